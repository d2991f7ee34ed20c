package rbac

import (
	"fmt"

	"github.com/google/uuid"
)

// 权限常量
const (
	// 管理员审核权限
	PermissionModerateCampaign    = "campaign:moderate"
	PermissionReviewEscrow        = "escrow:review"
	PermissionReviewUpdateRequest = "update_request:review"

	// 调度器权限
	PermissionAutoCreateEscrow = "escrow:auto_create"
	PermissionRunSweep         = "sweep:run"

	// 普通操作权限
	PermissionCreateCampaign = "campaign:create"
	PermissionRequestEscrow  = "escrow:request"
	PermissionReadOwn        = "notification:read"
)

// 角色常量
const (
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionCreateCampaign,
		PermissionRequestEscrow,
		PermissionReadOwn,
	},
	RoleAdmin: {
		PermissionCreateCampaign,
		PermissionRequestEscrow,
		PermissionReadOwn,
		PermissionModerateCampaign,
		PermissionReviewEscrow,
		PermissionReviewUpdateRequest,
	},
	RoleSystem: {
		PermissionAutoCreateEscrow,
		PermissionRunSweep,
	},
}

// Actor 调用方身份，由外部认证层注入
type Actor struct {
	ID   uuid.UUID
	Role string
}

// User 普通用户
func User(id uuid.UUID) Actor { return Actor{ID: id, Role: RoleUser} }

// Admin 管理员
func Admin(id uuid.UUID) Actor { return Actor{ID: id, Role: RoleAdmin} }

// System 调度器等内部调用方，ID 为零值
func System() Actor { return Actor{Role: RoleSystem} }

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Is 判断是否为同一个用户（system 身份永不匹配）
func (a Actor) Is(id uuid.UUID) bool {
	return a.ID != uuid.Nil && a.ID == id
}

// HasPermission 检查角色是否拥有指定权限
func HasPermission(actor Actor, permission string) bool {
	for _, p := range rolePermissions[actor.Role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查权限（返回错误而不是布尔值，便于处理）
func CheckPermission(actor Actor, permission string) error {
	if !HasPermission(actor, permission) {
		return &PermissionDeniedError{
			ActorID:    actor.ID,
			Role:       actor.Role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	ActorID    uuid.UUID
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("insufficient permissions: role %q lacks %s", e.Role, e.Permission)
}
