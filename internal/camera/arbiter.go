package camera

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// ArbiterPolicy は同時に開けるデバイスの扱い
type ArbiterPolicy int

const (
	// ArbiterStrict は別の所有者が開いているデバイスがあればBusyで失敗する
	ArbiterStrict ArbiterPolicy = iota
	// ArbiterLogOnly はエラーを記録するだけで開く
	ArbiterLogOnly
)

// ParseArbiterPolicy は設定値からArbiterPolicyを返す
func ParseArbiterPolicy(s string) (ArbiterPolicy, error) {
	switch s {
	case "", "strict":
		return ArbiterStrict, nil
	case "log_only":
		return ArbiterLogOnly, nil
	default:
		return 0, fmt.Errorf("不明なアービターポリシー %q: %w", s, ErrInvalidArgument)
	}
}

// DeviceArbiter は物理的に開かれているデバイスを管理する
// 同じ所有者はデバイスの切り替え中に一時的に2台を保持できる
type DeviceArbiter struct {
	mu      sync.Mutex
	policy  ArbiterPolicy
	holders map[string]string
	logger  *zap.Logger
}

// NewDeviceArbiter は新しいDeviceArbiterを作成する
func NewDeviceArbiter(policy ArbiterPolicy, logger *zap.Logger) *DeviceArbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceArbiter{
		policy:  policy,
		holders: make(map[string]string),
		logger:  logger,
	}
}

func (a *DeviceArbiter) acquire(cameraID, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, holder := range a.holders {
		if id != cameraID && holder == owner {
			continue
		}
		if a.policy == ArbiterLogOnly {
			a.logger.Error("別のデバイスが既に開かれています",
				zap.String("camera_id", cameraID), zap.String("open_camera_id", id), zap.String("holder", holder))
			continue
		}
		return fmt.Errorf("カメラ %s は %s が使用中です: %w", id, holder, &HostError{Kind: HostBusy})
	}

	if _, held := a.holders[cameraID]; !held {
		a.holders[cameraID] = owner
	}
	return nil
}

// release はownerが保持している場合だけ記録を消す
func (a *DeviceArbiter) release(cameraID, owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holders[cameraID] == owner {
		delete(a.holders, cameraID)
	}
}

// handOver はfromが保持している記録をtoへ移す
func (a *DeviceArbiter) handOver(cameraID, from, to string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holders[cameraID] == from {
		a.holders[cameraID] = to
	}
}

// Policy はポリシーを返す
func (a *DeviceArbiter) Policy() ArbiterPolicy {
	return a.policy
}

// OpenDevices は開かれているカメラIDを昇順で返す
func (a *DeviceArbiter) OpenDevices() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.holders))
	for id := range a.holders {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
