package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// runBatch 以有限并发处理 n 个条目；单条失败或 panic 只记录，不中断其余条目。
// 返回所有条目错误的聚合。
func (s *SagaService) runBatch(ctx context.Context, op string, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)

	record := func(err error) {
		mu.Lock()
		result = multierror.Append(result, err)
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			record(ctx.Err())
			break
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithContext(ctx).WithJob(op).Errorf("batch item panic", map[string]interface{}{
						"index": i,
						"panic": fmt.Sprint(r),
						"stack": string(debug.Stack()),
					})
					record(fmt.Errorf("%s item %d: panic: %v", op, i, r))
				}
			}()
			if err := fn(ctx, i); err != nil {
				s.log.WithContext(ctx).WithJob(op).WithError(err).Warn("batch item failed")
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return result.ErrorOrNil()
}

func combine(errs ...error) error {
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
