package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/hanpama/projector/internal/server"
)

// newRouter routes the GraphQL endpoint, a health check and, when metrics
// is not nil, the metrics endpoint.
func newRouter(h *server.Handler, metricsPath string, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/graphql", h).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if metrics != nil && metricsPath != "" {
		r.Handle(metricsPath, metrics).Methods(http.MethodGet)
	}
	return r
}

// reloadDataset replaces the handler's root with the current contents of
// dataFile. A file that does not decode leaves the old root in place.
func reloadDataset(h *server.Handler, dataFile string, log *logrus.Logger) {
	data, err := loadDataFile(dataFile)
	if err != nil {
		log.WithFields(logrus.Fields{
			"err":     err,
			"dataset": dataFile,
		}).Error("Could not reload dataset")
		return
	}
	h.SetRoot(data)
	log.WithField("dataset", dataFile).Info("dataset reloaded")
}

func reloadOnHangup(ctx context.Context, h *server.Handler, dataFile string, log *logrus.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadDataset(h, dataFile, log)
		}
	}
}

// watchDataset reloads dataFile whenever it is written or replaced, until
// ctx is done. The parent directory is watched so that editors replacing
// the file by rename are seen too.
func watchDataset(ctx context.Context, h *server.Handler, dataFile string, log *logrus.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(dataFile)); err != nil {
		_ = w.Close()
		return err
	}
	target := filepath.Clean(dataFile)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				reloadDataset(h, dataFile, log)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithField("err", err).Warn("dataset watcher error")
			}
		}
	}()
	return nil
}
