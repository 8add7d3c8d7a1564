package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"youplace-realtime/internal/domain"
)

// activityIndex 支撑按用户和时间范围统计像素的查询
const activityIndex = "idx_pixels_user_created"

// VerifySchema 确认外部服务拥有的 users 和 pixels 表存在。
// 表结构不归本服务管理，这里只在缺少时补上活动查询需要的索引。
func VerifySchema(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot verify schema with nil DB connection")
	}
	migrator := db.Migrator()

	for _, table := range []interface{}{&domain.User{}, &domain.Pixel{}} {
		if !migrator.HasTable(table) {
			return fmt.Errorf("required table for %T does not exist", table)
		}
	}

	if !migrator.HasIndex(&domain.Pixel{}, activityIndex) {
		sql := fmt.Sprintf("CREATE INDEX %s ON pixels (user_id, created_at)", activityIndex)
		if err := db.Exec(sql).Error; err != nil {
			// 建索引失败不影响启动
			logrus.WithError(err).Warnf("Could not create index %s on pixels", activityIndex)
		} else {
			logrus.Infof("Index %s created on pixels", activityIndex)
		}
	}

	logrus.Info("Database schema verified")
	return nil
}
