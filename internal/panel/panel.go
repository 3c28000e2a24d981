package panel

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// indexFile is the panel's entry document.
const indexFile = "index.html"

// ErrNoAssets is returned when the panel directory has no index.html.
var ErrNoAssets = errors.New("panel: no web assets found")

// Handler returns an http.Handler that serves the control panel from dir.
//
// Requests for files that do not exist get index.html with 200 so that
// client-side routing works. Directory listings are never served.
func Handler(dir string) (http.Handler, error) {
	if dir == "" {
		return nil, ErrNoAssets
	}
	info, err := os.Stat(filepath.Join(dir, indexFile))
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w in %s", ErrNoAssets, dir)
	}

	fileSystem := http.Dir(dir)
	fileServer := http.FileServer(fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The panel build is replaced in place on upgrade.
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		upath := path.Clean("/" + r.URL.Path)
		if upath == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		f, err := fileSystem.Open(upath)
		if err != nil {
			serveIndex(fileServer, w, r)
			return
		}
		stat, statErr := f.Stat()
		f.Close()
		if statErr != nil || stat.IsDir() {
			serveIndex(fileServer, w, r)
			return
		}

		fileServer.ServeHTTP(w, r)
	}), nil
}

// serveIndex answers with the entry document, keeping the original request
// untouched for logging middleware.
func serveIndex(fileServer http.Handler, w http.ResponseWriter, r *http.Request) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	fileServer.ServeHTTP(w, r2)
}
