package model

// User 表示系统用户（对应 users 表）。
// 角色取值固定为五个，见 rbac 包的 Role 类型。
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"` // reporter|first_responder|investigator|manager|admin
	Department  string `json:"department,omitempty"`
	Active      bool   `json:"active"`
	CreatedAt   int64  `json:"created_at"`
}
