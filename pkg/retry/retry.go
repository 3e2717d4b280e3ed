package retry

import (
	"errors"
	"fmt"
	"time"
)

// 有界重试。只有可重试错误才会重试，其他错误立即返回

type Policy struct {
	Attempts int
	Delay    time.Duration
	Backoff  bool                // true 表示指数退避
	Sleep    func(time.Duration) // 可注入，测试时替换
}

func New(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Sleep: time.Sleep}
}

type stopError struct {
	err error
}

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop 包装一个不应重试的错误，Do 会立即原样返回
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Do 尝试执行 fn，失败则重试，最多 Attempts 次
func (p Policy) Do(fn func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		if i < attempts-1 { // 最后一次就不用 sleep 了
			d := p.Delay
			if p.Backoff {
				d = p.Delay * time.Duration(1<<i) // 1x,2x,4x,8x...
			}
			sleep(d)
		}
	}
	return fmt.Errorf("after %d attempts, last error: %w", attempts, err)
}
