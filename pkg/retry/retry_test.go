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

package retry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/backoff"
	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/retry"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

func TestRetry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Retry Suite")
}

var meta = entity.Define("Thing").Key("id").MustBuild()

// flaky fails its writes with conflicts until failures is used up.
type flaky struct {
	query.Provider
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flaky) fail() error {
	n := f.calls.Add(1)
	if f.err != nil {
		return f.err
	}

	if n <= f.failures {
		return &standarderrors.ConflictError{EntityType: meta.Name(), Key: "1", Err: errors.New("version mismatch")}
	}

	return nil
}

func (f *flaky) Insert(_ context.Context, _ *entity.Meta, entities []entity.Entity, _ query.RecursionPolicy) (int, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}

	return len(entities), nil
}

func (f *flaky) InsertOrUpdate(ctx context.Context, m *entity.Meta, entities []entity.Entity, p query.RecursionPolicy) (int, error) {
	return f.Insert(ctx, m, entities, p)
}

func (f *flaky) InsertOrUpdateOne(_ context.Context, _ *entity.Meta, key any, _ query.Updater) (entity.Entity, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}

	return entity.Entity{"id": key}, nil
}

func (f *flaky) Query(context.Context, query.Info) ([]entity.Entity, error) {
	return nil, f.fail()
}

var _ = Describe("Retry", func() {
	var (
		ctx context.Context
		cfg retry.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = retry.Config{RetryCount: 3, Policy: backoff.Constant(time.Millisecond)}
	})

	It("retries conflicts until the write succeeds", func() {
		f := &flaky{failures: 2}
		p := pipeline.Chain(f, retry.Middleware(cfg, nil))

		n, err := p.Insert(ctx, meta, []entity.Entity{{"id": 1}}, query.RecursionNone)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(f.calls.Load()).To(BeEquivalentTo(3))
	})

	It("makes at most RetryCount+1 attempts and returns the last conflict", func() {
		f := &flaky{failures: 100}
		p := pipeline.Chain(f, retry.Middleware(cfg, nil))

		_, err := p.InsertOrUpdate(ctx, meta, []entity.Entity{{"id": 1}}, query.RecursionNone)

		var conflict *standarderrors.ConflictError
		Expect(errors.As(err, &conflict)).To(BeTrue())
		Expect(conflict.Key).To(Equal("1"))
		Expect(f.calls.Load()).To(BeEquivalentTo(4))
	})

	It("retries atomic updates", func() {
		f := &flaky{failures: 1}
		p := pipeline.Chain(f, retry.Middleware(cfg, nil))

		out, err := p.InsertOrUpdateOne(ctx, meta, 7, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(HaveKeyWithValue("id", 7))
		Expect(f.calls.Load()).To(BeEquivalentTo(2))
	})

	It("does not retry other errors", func() {
		f := &flaky{err: standarderrors.ErrInvalidEntity}
		p := pipeline.Chain(f, retry.Middleware(cfg, nil))

		_, err := p.Insert(ctx, meta, nil, query.RecursionNone)
		Expect(err).To(MatchError(standarderrors.ErrInvalidEntity))
		Expect(f.calls.Load()).To(BeEquivalentTo(1))
	})

	It("does not touch reads", func() {
		f := &flaky{failures: 1}
		p := pipeline.Chain(f, retry.Middleware(cfg, nil))

		_, err := p.Query(ctx, query.Info{Meta: meta})
		Expect(standarderrors.IsConflict(err)).To(BeTrue())
		Expect(f.calls.Load()).To(BeEquivalentTo(1))
	})

	It("stops waiting when the context ends", func() {
		f := &flaky{failures: 100}
		p := pipeline.Chain(f, retry.Middleware(retry.Config{RetryCount: 5, Policy: backoff.Constant(time.Hour)}, nil))

		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := p.Insert(ctx, meta, nil, query.RecursionNone)
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		Expect(f.calls.Load()).To(BeEquivalentTo(1))
	})

	It("uses sane defaults", func() {
		f := &flaky{failures: 2}
		p := pipeline.Chain(f, retry.Middleware(retry.DefaultConfig(), nil))

		_, err := p.Insert(ctx, meta, nil, query.RecursionNone)
		Expect(err).ToNot(HaveOccurred())
	})
})
