// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package debug

import (
	"archive/zip"
	"bytes"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"runtime/pprof"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// addToZip adds a new file to the zip archive.
func addToZip(w *zip.Writer, name string, r io.Reader) error {
	f, err := w.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return err
	}

	_, err = io.Copy(f, r)

	return err
}

// writeMetrics writes gathered metrics in the text exposition format.
func writeMetrics(g *gatherer) (io.Reader, error) {
	var buf bytes.Buffer

	mfs, _ := g.Gather()
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, err
		}
	}

	return &buf, nil
}

// writeVars writes expvar variables except the command line.
func writeVars() (io.Reader, error) {
	vars := map[string]json.RawMessage{}

	expvar.Do(func(kv expvar.KeyValue) {
		if kv.Key == "cmdline" {
			return
		}

		vars[kv.Key] = json.RawMessage(kv.Value.String())
	})

	b, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(b), nil
}

// writeProfile writes the named runtime profile.
func writeProfile(name string) (io.Reader, error) {
	p := pprof.Lookup(name)
	if p == nil {
		return nil, fmt.Errorf("no profile %q", name)
	}

	var buf bytes.Buffer
	if err := p.WriteTo(&buf, 0); err != nil {
		return nil, err
	}

	return &buf, nil
}

// archiveHandler returns a handler that creates a zip archive with various debug information.
//
// Files that could not be created are listed in errors.txt.
func archiveHandler(g *gatherer, l *zap.Logger) http.HandlerFunc {
	return func(rw http.ResponseWriter, _ *http.Request) {
		name := fmt.Sprintf("recipestore-%s.zip", time.Now().Format("2006-01-02-15-04-05"))

		rw.Header().Set("Content-Type", "application/zip")
		rw.Header().Set("Content-Disposition", "attachment; filename="+name)

		zw := zip.NewWriter(rw)
		errs := map[string]error{}

		for _, f := range []struct {
			file  string
			write func() (io.Reader, error)
		}{
			{file: "metrics.txt", write: func() (io.Reader, error) { return writeMetrics(g) }},
			{file: "vars.json", write: writeVars},
			{file: "goroutine.pprof", write: func() (io.Reader, error) { return writeProfile("goroutine") }},
			{file: "heap.pprof", write: func() (io.Reader, error) { return writeProfile("heap") }},
		} {
			r, err := f.write()
			if err == nil {
				err = addToZip(zw, f.file, r)
			}

			if err != nil {
				errs[f.file] = err
			}
		}

		if len(errs) > 0 {
			files := maps.Keys(errs)
			slices.Sort(files)

			var b bytes.Buffer
			for _, f := range files {
				fmt.Fprintf(&b, "%s: %v\n", f, errs[f])
			}

			if err := addToZip(zw, "errors.txt", &b); err != nil {
				l.Error("Failed to add errors.txt to archive", zap.Error(err))
			}
		}

		if err := zw.Close(); err != nil {
			l.Error("Failed to close archive", zap.Error(err))
			return
		}

		l.Info("Debug archive created", zap.String("name", name), zap.Int("errors", len(errs)))
	}
}
