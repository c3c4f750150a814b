package config

// ConfigBackend is the platform store for non-secret keys: a YAML file on
// Linux, the `defaults` domain on macOS. Keys are dotted ("segment.interval").
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetFloat(key string, val float64) error
	Delete(key string) error
}
