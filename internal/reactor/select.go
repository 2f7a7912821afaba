package reactor

// Name identifies a concrete backend, settable from configuration so an
// operator can force the portable poll backend even on a platform where a
// native one is available.
type Name string

const (
	Poll   Name = "poll"
	Epoll  Name = "epoll"
	Kqueue Name = "kqueue"
	Auto   Name = "auto"
)

// NewBackend constructs the requested backend, or the best native one for
// the current platform when name is Auto or empty.
func NewBackend(name Name) (Backend, error) {
	switch name {
	case Poll:
		return newPollBackend(), nil
	case Epoll:
		return newNativeEpoll()
	case Kqueue:
		return newNativeKqueue()
	case Auto, "":
		if b, err := newNativeEpoll(); b != nil || err != nil {
			return b, err
		}
		if b, err := newNativeKqueue(); b != nil || err != nil {
			return b, err
		}
		return newPollBackend(), nil
	default:
		return nil, unsupportedBackend(name)
	}
}
