// Package router maps HTTP requests to the cache of the namespace they
// address.
//
// Requests for /<namespace>/<id> with a valid id are handed to the cache.
// Any other GET under a namespace browses the directory where blobs of
// that namespace are stored, if enabled.
package router

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/kataras/muxie"

	"github.com/enfabrica/buildcache/storage/server/handler"
	"github.com/enfabrica/buildcache/storage/server/key"
)

type options struct {
	browse map[key.Namespace]fs.FS
}

type Modifier func(*options)

// WithBrowsing enables directory listings for ns, serving files from fsys.
func WithBrowsing(ns key.Namespace, fsys fs.FS) Modifier {
	return func(o *options) {
		o.browse[ns] = fsys
	}
}

// New returns a mux serving each of the caches under /<namespace>/.
//
// The returned mux can be extended with more routes, like /metrics.
func New(caches []*handler.Cache, mods ...Modifier) *muxie.Mux {
	o := &options{browse: map[key.Namespace]fs.FS{}}
	for _, m := range mods {
		m(o)
	}

	mux := muxie.NewMux()
	for _, c := range caches {
		prefix := "/" + c.Namespace().String()

		var browse http.Handler
		if fsys, ok := o.browse[c.Namespace()]; ok {
			browse = http.StripPrefix(prefix, http.FileServer(visibleFS{http.FS(fsys)}))
		}
		mux.Handle(prefix+"/*path", namespaceHandler(c, browse))
		mux.Handle(prefix, http.RedirectHandler(prefix+"/", http.StatusMovedPermanently))
	}
	return mux
}

func namespaceHandler(c *handler.Cache, browse http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := muxie.GetParam(w, "path")
		w = unwrapWriter(w)
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			if key.Valid(id) {
				c.ServeGet(w, r, id)
				return
			}
			if browse == nil {
				http.NotFound(w, r)
				return
			}
			browse.ServeHTTP(w, r)

		case http.MethodPut:
			if !key.Valid(id) {
				http.NotFound(w, r)
				return
			}
			c.ServePut(w, r, id)

		default:
			w.Header().Set("Allow", "GET, HEAD, PUT")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		}
	})
}

// unwrapWriter returns the ResponseWriter wrapped by muxie, so that
// interfaces like io.ReaderFrom and http.Flusher are visible again.
func unwrapWriter(w http.ResponseWriter) http.ResponseWriter {
	for {
		mw, ok := w.(*muxie.Writer)
		if !ok {
			return w
		}
		w = mw.ResponseWriter
	}
}

// visibleFS hides dot files, like the staging files of uploads in progress.
type visibleFS struct {
	http.FileSystem
}

func (v visibleFS) Open(name string) (http.File, error) {
	for _, part := range strings.Split(path.Clean(name), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return nil, fs.ErrNotExist
		}
	}
	f, err := v.FileSystem.Open(name)
	if err != nil {
		return nil, err
	}
	return visibleFile{f}, nil
}

type visibleFile struct {
	http.File
}

func (f visibleFile) Readdir(n int) ([]fs.FileInfo, error) {
	infos, err := f.File.Readdir(n)
	visible := infos[:0]
	for _, info := range infos {
		if !strings.HasPrefix(info.Name(), ".") {
			visible = append(visible, info)
		}
	}
	return visible, err
}
