package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/golang/glog"
)

// ServeGet answers a GET or HEAD request for id.
//
// Replies 200 with the blob as body on a hit, 404 on a miss or while id
// is being uploaded.
func (c *Cache) ServeGet(w http.ResponseWriter, r *http.Request, id string) {
	blob, err := c.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, blob); err != nil {
		glog.V(1).Infof("%s: GET %s: sending blob interrupted: %v", c.namespace, id, err)
	}
}

// ServePut stores the body of the request under id.
//
// Replies 200 with an empty body on success, including when the upload was
// coalesced with one already in progress.
func (c *Cache) ServePut(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := c.Put(r.Context(), id, r.Body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StatusCode maps an error returned by a Cache to an HTTP status code.
func StatusCode(err error) int {
	var mismatch *DigestMismatchError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &mismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	http.Error(w, http.StatusText(code), code)
}
