package failoverstore

import "github.com/tomshen124/ocr-server/internal/obslog"

// NewPrimaryHTTPBackend builds the primary remote-gateway backend. Exported
// so cmd/ocr-server can construct it and pass the result straight into New;
// the backend interface itself stays unexported since nothing outside this
// package needs to implement it.
func NewPrimaryHTTPBackend(cfg HTTPConfig, log *obslog.Logger) *httpBackend {
	return newHTTPBackend(cfg, log)
}

// NewFallbackSQLiteBackend opens (creating if necessary) the embedded
// fallback store at path.
func NewFallbackSQLiteBackend(path string, log *obslog.Logger) (*sqliteBackend, error) {
	return newSQLiteBackend(path, log)
}
