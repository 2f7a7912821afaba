// Package config loads the YAML server-block configuration file into an
// intermediate RawConfig tree (spec.md §6, SPEC_FULL.md §10.1), validates
// it, and compiles it into the immutable router.Table and endpoint list
// the rest of the program consumes.
package config

// RawConfig is the top-level decode target for the YAML configuration
// file. Fields use mapstructure tags matching the fastcgi runner config
// idiom retrieved in the example pack; viper.UnmarshalExact rejects any
// YAML key with no matching field here, satisfying spec.md §6's "unknown
// options rejected at parse time."
type RawConfig struct {
	ReactorBackend string      `mapstructure:"reactor_backend" validate:"omitempty,oneof=auto poll epoll kqueue"`
	BodyStoreDir   string      `mapstructure:"body_store_dir" validate:"required"`
	IdleTimeoutMS  int         `mapstructure:"idle_timeout_ms" validate:"omitempty,min=1"`
	LogLevel       string      `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Servers        []RawServer `mapstructure:"servers" validate:"required,min=1,dive"`
}

// RawServer is one virtual server block, matching spec.md §3's Virtual
// Server data model.
type RawServer struct {
	Endpoints         []string          `mapstructure:"endpoints" validate:"required,min=1,dive,required"`
	ServerNames       []string          `mapstructure:"server_names"`
	Default           bool              `mapstructure:"default"`
	ClientMaxBodySize int64             `mapstructure:"client_max_body_size" validate:"omitempty,min=1"`
	ErrorPages        map[string]string `mapstructure:"error_pages"`
	Locations         []RawLocation     `mapstructure:"locations" validate:"required,min=1,dive"`
}

// RawRedirect is a location's optional redirect directive.
type RawRedirect struct {
	URL    string `mapstructure:"url" validate:"required"`
	Status int    `mapstructure:"status" validate:"omitempty,min=300,max=399"`
}

// RawLocation is one location block, matching spec.md §3's Location data
// model field for field.
type RawLocation struct {
	Path              string            `mapstructure:"path" validate:"required"`
	BackwardSearch    bool              `mapstructure:"backward_search"`
	Methods           []string          `mapstructure:"methods" validate:"omitempty,dive,oneof=GET HEAD POST DELETE"`
	Root              string            `mapstructure:"root"`
	Index             []string          `mapstructure:"index"`
	AutoIndex         bool              `mapstructure:"autoindex"`
	ClientMaxBodySize int64             `mapstructure:"client_max_body_size" validate:"omitempty,min=1"`
	Redirect          *RawRedirect      `mapstructure:"redirect"`
	UploadStore       string            `mapstructure:"upload_store"`
	AllowOverwrite    bool              `mapstructure:"allow_overwrite"`
	CGIExtensions     map[string]string `mapstructure:"cgi_extensions"`
	ErrorPages        map[string]string `mapstructure:"error_pages"`
}
