package services

import (
	"go.uber.org/zap"

	"donut-access-bot/config"
	"donut-access-bot/internal/db"
	"donut-access-bot/internal/logger"
	"donut-access-bot/internal/vkapi"
)

// DonutVerifier проверяет статус плательщика по цепочке источников:
// donut.isDon → список донов сообщества → форс-лист из конфига →
// одобренная заявка → активная платёжная запись.
// Каждый следующий источник пробуется только при отказе предыдущего.
type DonutVerifier struct {
	vk    *vkapi.Client
	store *db.Store
}

func NewDonutVerifier(vk *vkapi.Client, store *db.Store) *DonutVerifier {
	return &DonutVerifier{vk: vk, store: store}
}

// IsActivePayer реализует keys.Verifier.
func (v *DonutVerifier) IsActivePayer(vkID int64) (bool, error) {
	if ok, err := v.vk.IsDon(vkID); err == nil {
		if ok {
			return true, nil
		}
	} else {
		logger.Debug("donut.isDon недоступен, пробуем список донов",
			zap.Int64("vk_id", vkID), zap.Error(err))
	}

	if members, err := v.vk.DonutMembers(); err == nil {
		for _, id := range members {
			if id == vkID {
				return true, nil
			}
		}
	} else {
		logger.Debug("Список донов недоступен",
			zap.Int64("vk_id", vkID), zap.Error(err))
	}

	if config.AppCfg.IsForceApproved(vkID) {
		logger.Info("Пользователь одобрен форс-листом", zap.Int64("vk_id", vkID))
		return true, nil
	}

	pending, err := v.store.GetPendingUser(vkID)
	if err != nil {
		return false, err
	}
	if pending != nil && pending.Approved {
		return true, nil
	}

	u, err := v.store.GetUserByVkID(vkID)
	if err != nil {
		return false, err
	}
	return u != nil && u.IsActive, nil
}
