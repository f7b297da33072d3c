package handlers

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/services"
)

// AdminServiceName is the fully qualified name of the rule store admin service
const AdminServiceName = "gatekeeper.v1.AdminService"

// AdminServiceServer is the server API for the admin service
type AdminServiceServer interface {
	CreateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetAdmin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AssignRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RevokeRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CreateRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetRolePermissions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CreatePermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdatePermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeletePermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// AdminHandler exposes rule store administration. Every mutation invalidates
// the cached abilities of the users it affects before responding.
type AdminHandler struct {
	admin services.AccessAdminServiceInterface
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(admin services.AccessAdminServiceInterface) *AdminHandler {
	return &AdminHandler{admin: admin}
}

// adminMethods maps RPC names to handler methods
var adminMethods = map[string]func(srv AdminServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error){
	"CreateUser":         AdminServiceServer.CreateUser,
	"SetAdmin":           AdminServiceServer.SetAdmin,
	"DeleteUser":         AdminServiceServer.DeleteUser,
	"AssignRole":         AdminServiceServer.AssignRole,
	"RevokeRole":         AdminServiceServer.RevokeRole,
	"CreateRole":         AdminServiceServer.CreateRole,
	"GetRole":            AdminServiceServer.GetRole,
	"DeleteRole":         AdminServiceServer.DeleteRole,
	"SetRolePermissions": AdminServiceServer.SetRolePermissions,
	"CreatePermission":   AdminServiceServer.CreatePermission,
	"GetPermission":      AdminServiceServer.GetPermission,
	"UpdatePermission":   AdminServiceServer.UpdatePermission,
	"DeletePermission":   AdminServiceServer.DeletePermission,
}

// AdminServiceDesc describes the admin service for grpc.Server registration
var AdminServiceDesc = adminServiceDesc()

func adminServiceDesc() grpc.ServiceDesc {
	names := []string{
		"CreateUser", "SetAdmin", "DeleteUser", "AssignRole", "RevokeRole",
		"CreateRole", "GetRole", "DeleteRole", "SetRolePermissions",
		"CreatePermission", "GetPermission", "UpdatePermission", "DeletePermission",
	}
	methods := make([]grpc.MethodDesc, 0, len(names))
	for _, name := range names {
		call := adminMethods[name]
		methods = append(methods, structMethodDesc(AdminServiceName, name, func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return call(srv.(AdminServiceServer), ctx, req)
		}))
	}
	return grpc.ServiceDesc{
		ServiceName: AdminServiceName,
		HandlerType: (*AdminServiceServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "gatekeeper/v1/admin.proto",
	}
}

// RegisterAdminServiceServer registers srv on s
func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv AdminServiceServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

func empty() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

// CreateUser handles {id, email?, is_admin?, attributes?}
func (h *AdminHandler) CreateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req, "id")
	if err != nil {
		return nil, err
	}
	attributes, err := objectField(req, "attributes")
	if err != nil {
		return nil, err
	}
	user := &entities.User{
		ID:         id,
		Email:      stringField(req, "email"),
		IsAdmin:    boolField(req, "is_admin"),
		Attributes: attributes,
	}
	if err := h.admin.CreateUser(ctx, user); err != nil {
		return nil, toStatus(err, "create user")
	}
	return newStruct(map[string]interface{}{"id": user.ID})
}

// SetAdmin handles {user_id, is_admin}
func (h *AdminHandler) SetAdmin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requiredString(req, "user_id")
	if err != nil {
		return nil, err
	}
	if err := h.admin.SetAdmin(ctx, userID, boolField(req, "is_admin")); err != nil {
		return nil, toStatus(err, "set admin")
	}
	return empty(), nil
}

// DeleteUser handles {user_id}
func (h *AdminHandler) DeleteUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requiredString(req, "user_id")
	if err != nil {
		return nil, err
	}
	if err := h.admin.DeleteUser(ctx, userID); err != nil {
		return nil, toStatus(err, "delete user")
	}
	return empty(), nil
}

// AssignRole handles {user_id, role_id}
func (h *AdminHandler) AssignRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, roleID, err := userAndRole(req)
	if err != nil {
		return nil, err
	}
	if err := h.admin.AssignRole(ctx, userID, roleID); err != nil {
		return nil, toStatus(err, "assign role")
	}
	return empty(), nil
}

// RevokeRole handles {user_id, role_id}
func (h *AdminHandler) RevokeRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, roleID, err := userAndRole(req)
	if err != nil {
		return nil, err
	}
	if err := h.admin.RevokeRole(ctx, userID, roleID); err != nil {
		return nil, toStatus(err, "revoke role")
	}
	return empty(), nil
}

func userAndRole(req *structpb.Struct) (string, string, error) {
	userID, err := requiredString(req, "user_id")
	if err != nil {
		return "", "", err
	}
	roleID, err := requiredString(req, "role_id")
	if err != nil {
		return "", "", err
	}
	return userID, roleID, nil
}

// CreateRole handles {name, description?}
func (h *AdminHandler) CreateRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	role := &entities.Role{
		Name:        stringField(req, "name"),
		Description: stringField(req, "description"),
	}
	if err := h.admin.CreateRole(ctx, role); err != nil {
		return nil, toStatus(err, "create role")
	}
	return roleToStruct(role)
}

// GetRole handles {role_id}
func (h *AdminHandler) GetRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roleID, err := requiredString(req, "role_id")
	if err != nil {
		return nil, err
	}
	role, err := h.admin.GetRole(ctx, roleID)
	if err != nil {
		return nil, toStatus(err, "get role")
	}
	return roleToStruct(role)
}

// DeleteRole handles {role_id}
func (h *AdminHandler) DeleteRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roleID, err := requiredString(req, "role_id")
	if err != nil {
		return nil, err
	}
	if err := h.admin.DeleteRole(ctx, roleID); err != nil {
		return nil, toStatus(err, "delete role")
	}
	return empty(), nil
}

// SetRolePermissions handles {role_id, permission_ids}
func (h *AdminHandler) SetRolePermissions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roleID, err := requiredString(req, "role_id")
	if err != nil {
		return nil, err
	}
	ids, err := stringListField(req, "permission_ids")
	if err != nil {
		return nil, err
	}
	if err := h.admin.SetRolePermissions(ctx, roleID, ids); err != nil {
		return nil, toStatus(err, "set role permissions")
	}
	return empty(), nil
}

// CreatePermission handles a rule without id
func (h *AdminHandler) CreatePermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rule, err := ruleFromStruct(req)
	if err != nil {
		return nil, err
	}
	rule.ID = ""
	if err := h.admin.CreatePermission(ctx, rule); err != nil {
		return nil, toStatus(err, "create permission")
	}
	return ruleToStruct(rule)
}

// GetPermission handles {permission_id}
func (h *AdminHandler) GetPermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req, "permission_id")
	if err != nil {
		return nil, err
	}
	rule, err := h.admin.GetPermission(ctx, id)
	if err != nil {
		return nil, toStatus(err, "get permission")
	}
	return ruleToStruct(rule)
}

// UpdatePermission handles a full rule including its id
func (h *AdminHandler) UpdatePermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rule, err := ruleFromStruct(req)
	if err != nil {
		return nil, err
	}
	if err := h.admin.UpdatePermission(ctx, rule); err != nil {
		return nil, toStatus(err, "update permission")
	}
	return ruleToStruct(rule)
}

// DeletePermission handles {permission_id}
func (h *AdminHandler) DeletePermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req, "permission_id")
	if err != nil {
		return nil, err
	}
	if err := h.admin.DeletePermission(ctx, id); err != nil {
		return nil, toStatus(err, "delete permission")
	}
	return empty(), nil
}

func ruleToStruct(rule *entities.Rule) (*structpb.Struct, error) {
	m, err := ruleToMap(*rule)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode rule: %v", err)
	}
	return newStruct(m)
}

func roleToStruct(role *entities.Role) (*structpb.Struct, error) {
	rules, err := rulesToList(role.Rules)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode role: %v", err)
	}
	m := map[string]interface{}{
		"id":    role.ID,
		"name":  role.Name,
		"rules": rules,
	}
	if role.Description != "" {
		m["description"] = role.Description
	}
	return newStruct(m)
}
