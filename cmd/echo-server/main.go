// Command echo-server is a disposable stand-in provider origin for
// manually driving provider-proxyd: every request increments a
// counter and echoes its body back, so pointing the proxy at this
// server and repeating a request lets you see the counter stop
// advancing once the response is served from cache.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	var hits int64

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		n := atomic.AddInt64(&hits, 1)
		log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "hit": n}).Info("echo-server: request received")

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Hit-Count", fmt.Sprintf("%d", n))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"received": string(body),
			"hit":      n,
		})
	})

	log.Info("echo-server listening on :9000")
	if err := http.ListenAndServe(":9000", nil); err != nil {
		log.WithError(err).Fatal("echo-server failed")
	}
}
