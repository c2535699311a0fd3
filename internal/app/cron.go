package app

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"relaypool/internal/shared/logger"
)

// validationCacheSweep 每 5 分钟清理一次过期的验证缓存（秒 分 时 日 月 周）
const validationCacheSweep = "0 */5 * * * *"

// startCron 注册维护型定时任务：验证缓存清理与失效源的停用。
func (s *AppServer) startCron() (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())

	if _, err := c.AddFunc(validationCacheSweep, func() {
		if n := s.validator.CleanupCache(); n > 0 {
			logger.Debug().Int("removed", n).Msg("Expired validation results removed from cache.")
		}
	}); err != nil {
		return nil, fmt.Errorf("register validation cache job: %w", err)
	}

	every := s.cfg.SourcesConf.CleanupInterval
	if every <= 0 {
		every = time.Hour
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if names := s.registry.Cleanup(); len(names) > 0 {
			logger.Warn().Strs("sources", names).Msg("Deactivated sources with no recent success.")
		}
	}); err != nil {
		return nil, fmt.Errorf("register source cleanup job: %w", err)
	}

	c.Start()
	logger.Info().Dur("source_cleanup_interval", every).Msg("Maintenance cron jobs started.")
	return c, nil
}
