package httpapi

// Config defines HTTP API and UI settings.
type Config struct {
	Addr string
	// BaseURL and BasePath place the UI behind a reverse proxy.
	BaseURL      string
	BasePath     string
	MaxBodyBytes int64
}
