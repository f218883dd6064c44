package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/collection"
)

var newTimingWheel = collection.NewTimingWheel

// TimingWheelService 封装 go-zero 的时间轮，承载账号自动恢复等延迟任务。
type TimingWheelService struct {
	tw       *collection.TimingWheel
	stopOnce sync.Once
}

// NewTimingWheelService 创建时间轮：1 秒刻度、3600 槽，支持最长 1 小时延迟。
func NewTimingWheelService() (*TimingWheelService, error) {
	tw, err := newTimingWheel(1*time.Second, 3600, func(key, value any) {
		if fn, ok := value.(func()); ok {
			fn()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create timing wheel: %w", err)
	}
	return &TimingWheelService{tw: tw}, nil
}

func (s *TimingWheelService) Stop() {
	s.stopOnce.Do(func() {
		s.tw.Stop()
		slog.Info("timing_wheel_stopped")
	})
}

// Schedule 注册一次性延迟任务。同名任务后写覆盖先写。
func (s *TimingWheelService) Schedule(name string, delay time.Duration, fn func()) {
	_ = s.tw.SetTimer(name, fn, delay)
}

// Cancel 取消尚未触发的任务。
func (s *TimingWheelService) Cancel(name string) {
	_ = s.tw.RemoveTimer(name)
}
