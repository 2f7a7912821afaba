//go:build linux

package reactor

func newNativeEpoll() (Backend, error) {
	return newEpollBackend()
}

func newNativeKqueue() (Backend, error) {
	return nil, nil
}
