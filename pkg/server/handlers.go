// Copyright 2025 UMH Systems GmbH
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

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

var operators = map[string]persistence.Operator{
	"eq":       persistence.Eq,
	"ne":       persistence.Ne,
	"gt":       persistence.Gt,
	"gte":      persistence.Gte,
	"lt":       persistence.Lt,
	"lte":      persistence.Lte,
	"contains": persistence.Contains,
}

// parseQuery reads limit, skip, sort (comma separated, "-" prefix for
// descending) and fields (comma separated). Every other parameter is a filter:
// "name=Product 1" or "price[gt]=100".
func parseQuery(values url.Values) (persistence.Query, []string, error) {
	q := persistence.NewQuery()

	var fields []string

	for key, vs := range values {
		v := vs[len(vs)-1]

		switch key {
		case "limit", "skip":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return persistence.Query{}, nil, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
			}

			if key == "limit" {
				q.Limit(n)
			} else {
				q.Skip(n)
			}
		case "sort":
			for _, f := range strings.Split(v, ",") {
				if name, desc := strings.CutPrefix(f, "-"); desc {
					q.Sort(name, persistence.Desc)
				} else if f != "" {
					q.Sort(f, persistence.Asc)
				}
			}
		case "fields":
			for _, f := range strings.Split(v, ",") {
				if f != "" {
					fields = append(fields, f)
				}
			}
		default:
			field, op := key, persistence.Eq

			if i := strings.IndexByte(key, '['); i > 0 && strings.HasSuffix(key, "]") {
				name := key[i+1 : len(key)-1]

				known, ok := operators[name]
				if !ok {
					return persistence.Query{}, nil, fmt.Errorf("unknown operator %q", name)
				}

				field, op = key[:i], known
			}

			if op == persistence.Contains {
				q.Filter(field, op, v)
			} else {
				q.Filter(field, op, scalar(v))
			}
		}
	}

	return *q, fields, nil
}

// scalar interprets a query parameter as a number or boolean when it looks
// like one.
func scalar(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}

	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}

	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}

	return v
}

func (s *Server) meta(c *gin.Context) (*entity.Meta, bool) {
	meta, err := s.repo.Meta(c.Param("type"))
	if err != nil {
		s.handleError(c, err)

		return nil, false
	}

	return meta, true
}

func (s *Server) getEntities(c *gin.Context) {
	meta, ok := s.meta(c)
	if !ok {
		return
	}

	q, fields, err := parseQuery(c.Request.URL.Query())
	if err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	out, err := s.repo.Provider().Query(c.Request.Context(), query.Info{Meta: meta, Query: q, Fields: fields})
	if err != nil {
		s.handleError(c, err)

		return
	}

	if out == nil {
		out = []entity.Entity{}
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) postEntities(c *gin.Context) {
	meta, ok := s.meta(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	entities, err := decodeEntities(body)
	if err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	n, err := s.repo.Provider().InsertOrUpdate(c.Request.Context(), meta, entities, query.RecursionFull)
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"written": n})
}

// decodeEntities accepts a single object or an array of objects.
func decodeEntities(body []byte) ([]entity.Entity, error) {
	trimmed := strings.TrimSpace(string(body))

	if strings.HasPrefix(trimmed, "[") {
		var many []entity.Entity
		if err := json.Unmarshal(body, &many); err != nil {
			return nil, fmt.Errorf("invalid entity array: %w", err)
		}

		return many, nil
	}

	var one entity.Entity
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("invalid entity: %w", err)
	}

	if one == nil {
		return nil, errors.New("empty body")
	}

	return []entity.Entity{one}, nil
}

func (s *Server) deleteEntity(c *gin.Context) {
	meta, ok := s.meta(c)
	if !ok {
		return
	}

	q := persistence.NewQuery().Filter(meta.KeyProperty(), persistence.Eq, scalar(c.Param("key")))

	n, err := s.repo.Provider().Delete(c.Request.Context(), query.DeleteInfo{Meta: meta, Query: *q})
	if err != nil {
		s.handleError(c, err)

		return
	}

	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  fmt.Sprintf("%s %s not found", meta.Name(), c.Param("key")),
			"status": http.StatusNotFound,
		})

		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

type liveItem struct {
	n        notify.Notification
	snapshot bool
}

// liveEntities streams a live query as server-sent events: "snapshot" for
// every item of the initial result, one "ready", then "change" events. A
// failing stream ends with an "error" event.
func (s *Server) liveEntities(c *gin.Context) {
	meta, ok := s.meta(c)
	if !ok {
		return
	}

	q, fields, err := parseQuery(c.Request.URL.Query())
	if err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	ctx := c.Request.Context()

	stream, err := s.repo.Provider().LiveQuery(ctx, query.Info{Meta: meta, Query: q, Fields: fields})
	if err != nil {
		s.handleError(c, err)

		return
	}

	defer stream.Cancel()

	stop := context.AfterFunc(ctx, stream.Cancel)
	defer stop()

	items := make(chan liveItem)

	go func() {
		defer close(items)

		for {
			n, snapshot, ok := stream.Next()
			if !ok {
				return
			}

			select {
			case items <- liveItem{n: n, snapshot: snapshot}:
			case <-stream.Done():
				return
			}
		}
	}()

	ready := stream.Ready()
	readySent := false

	sendReady := func() {
		if !readySent {
			readySent = true
			ready = nil

			c.SSEvent("ready", gin.H{"stream": stream.ID()})
		}
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(io.Writer) bool {
		select {
		case <-ready:
			sendReady()

			return true
		case item, open := <-items:
			if !open {
				if err := stream.Err(); err != nil && !errors.Is(err, standarderrors.ErrStreamCancelled) {
					c.SSEvent("error", gin.H{"error": err.Error()})
				}

				return false
			}

			if item.snapshot {
				c.SSEvent("snapshot", item.n)
			} else {
				sendReady()
				c.SSEvent("change", item.n)
			}

			return true
		case <-ctx.Done():
			return false
		}
	})
}
