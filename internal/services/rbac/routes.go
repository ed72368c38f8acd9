package rbac

import "strings"

// 路由 -> 允许角色列表。
// 未登记的路由默认全角色可见（事件列表等基础页面），
// 这里只收录需要收紧的管理/取证入口。
var routeRoles = map[string][]Role{
	"/users":          {RoleAdmin},
	"/settings":       {RoleAdmin},
	"/reports":        {RoleInvestigator, RoleManager, RoleAdmin},
	"/custody":        {RoleInvestigator, RoleManager, RoleAdmin},
	"/forensic-tools": {RoleInvestigator, RoleManager, RoleAdmin},
}

// CanAccessRoute 判断角色是否可以访问某个前端路由。
// 匹配规则：精确路径或其子路径（例如 /users/123 归到 /users）。
func CanAccessRoute(route string, role Role) bool {
	route = strings.TrimSpace(route)
	if route == "" {
		return false
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}

	for prefix, roles := range routeRoles {
		if route == prefix || strings.HasPrefix(route, prefix+"/") {
			for _, r := range roles {
				if r == role {
					return true
				}
			}
			return false
		}
	}
	return true
}
