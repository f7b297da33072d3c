package handlers

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/asakaida/gatekeeper/internal/services"
	"github.com/asakaida/gatekeeper/internal/services/authorization"
	"github.com/asakaida/gatekeeper/internal/services/redaction"
)

// AccessServiceName is the fully qualified name of the access service
const AccessServiceName = "gatekeeper.v1.AccessService"

// AccessServiceServer is the server API for the access service
type AccessServiceServer interface {
	Can(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RulesFor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Invalidate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Find(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// AccessServiceDesc describes the access service for grpc.Server registration
var AccessServiceDesc = grpc.ServiceDesc{
	ServiceName: AccessServiceName,
	HandlerType: (*AccessServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		structMethodDesc(AccessServiceName, "Can", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(AccessServiceServer).Can(ctx, req)
		}),
		structMethodDesc(AccessServiceName, "RulesFor", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(AccessServiceServer).RulesFor(ctx, req)
		}),
		structMethodDesc(AccessServiceName, "Invalidate", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(AccessServiceServer).Invalidate(ctx, req)
		}),
		structMethodDesc(AccessServiceName, "Find", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(AccessServiceServer).Find(ctx, req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gatekeeper/v1/access.proto",
}

// RegisterAccessServiceServer registers srv on s
func RegisterAccessServiceServer(s grpc.ServiceRegistrar, srv AccessServiceServer) {
	s.RegisterService(&AccessServiceDesc, srv)
}

// AccessHandler answers authorization questions and permission-filtered reads
type AccessHandler struct {
	abilities   authorization.AbilityProvider
	invalidator authorization.Invalidator
	finder      services.RecordFinderInterface
	logger      logrus.FieldLogger
}

// NewAccessHandler creates a new AccessHandler
func NewAccessHandler(
	abilities authorization.AbilityProvider,
	invalidator authorization.Invalidator,
	finder services.RecordFinderInterface,
	logger logrus.FieldLogger,
) *AccessHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AccessHandler{
		abilities:   abilities,
		invalidator: invalidator,
		finder:      finder,
		logger:      logger,
	}
}

// Can handles the Can RPC.
// Without an object only the type-level question is answered; with one,
// rule conditions are evaluated against it.
func (h *AccessHandler) Can(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requiredString(req, "user_id")
	if err != nil {
		return nil, err
	}
	action, err := requiredString(req, "action")
	if err != nil {
		return nil, err
	}
	subject, err := requiredString(req, "subject")
	if err != nil {
		return nil, err
	}
	field := stringField(req, "field")
	object, err := objectField(req, "object")
	if err != nil {
		return nil, err
	}

	ability, err := h.abilities.GetAbility(ctx, userID)
	if err != nil {
		return nil, toStatus(err, "load ability")
	}

	var fields []string
	if field != "" {
		fields = []string{field}
	}
	var allowed bool
	if object != nil {
		allowed = ability.CanOn(action, subject, object, fields...)
	} else {
		allowed = ability.Can(action, subject, fields...)
	}

	reason := ""
	if rule := ability.RelevantRuleFor(action, subject, field); rule != nil {
		reason = rule.Reason
	}

	h.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"action":  action,
		"subject": subject,
		"field":   field,
		"allowed": allowed,
	}).Debug("can")

	return newStruct(map[string]interface{}{"allowed": allowed, "reason": reason})
}

// RulesFor handles the RulesFor RPC
func (h *AccessHandler) RulesFor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requiredString(req, "user_id")
	if err != nil {
		return nil, err
	}
	action, err := requiredString(req, "action")
	if err != nil {
		return nil, err
	}
	subject, err := requiredString(req, "subject")
	if err != nil {
		return nil, err
	}

	ability, err := h.abilities.GetAbility(ctx, userID)
	if err != nil {
		return nil, toStatus(err, "load ability")
	}

	rules, err := rulesToList(ability.RulesFor(action, subject))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode rules: %v", err)
	}
	return newStruct(map[string]interface{}{"rules": rules})
}

// Invalidate handles the Invalidate RPC
func (h *AccessHandler) Invalidate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requiredString(req, "user_id")
	if err != nil {
		return nil, err
	}
	if err := h.invalidator.Invalidate(ctx, userID); err != nil {
		return nil, toStatus(err, "invalidate")
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
}

// Find handles the Find RPC. The caller is identified by x-user-id metadata.
func (h *AccessHandler) Find(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, ok := redaction.UserIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing "+redaction.UserIDMetadataKey+" metadata")
	}

	findReq, err := findRequestFromStruct(req)
	if err != nil {
		return nil, err
	}
	findReq.UserID = userID

	result, err := h.finder.Find(ctx, findReq)
	if err != nil {
		return nil, toStatus(err, "find")
	}
	return newStruct(result.Envelope())
}

// findRequestFromStruct parses
// {subject, action?, joins?, fields?, where?, order_by?, limit?, offset?}.
// A join is either a relation name or {parent, relation}.
func findRequestFromStruct(req *structpb.Struct) (*services.FindRequest, error) {
	subject, err := requiredString(req, "subject")
	if err != nil {
		return nil, err
	}
	out := &services.FindRequest{
		Subject: subject,
		Action:  stringField(req, "action"),
	}

	for i, v := range req.GetFields()["joins"].GetListValue().GetValues() {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			out.Joins = append(out.Joins, services.JoinSpec{Relation: kind.StringValue})
		case *structpb.Value_StructValue:
			relation := stringField(kind.StructValue, "relation")
			if relation == "" {
				return nil, status.Errorf(codes.InvalidArgument, "joins[%d].relation is required", i)
			}
			out.Joins = append(out.Joins, services.JoinSpec{
				Parent:   stringField(kind.StructValue, "parent"),
				Relation: relation,
			})
		default:
			return nil, status.Errorf(codes.InvalidArgument, "joins[%d] must be a relation name or object", i)
		}
	}

	if fields := req.GetFields()["fields"].GetStructValue(); fields != nil {
		out.Fields = make(map[string][]string, len(fields.GetFields()))
		for alias, v := range fields.GetFields() {
			columns, err := valueToStrings(v, "fields."+alias)
			if err != nil {
				return nil, err
			}
			out.Fields[alias] = columns
		}
	}

	if out.Where, err = objectField(req, "where"); err != nil {
		return nil, err
	}

	for i, v := range req.GetFields()["order_by"].GetListValue().GetValues() {
		o := v.GetStructValue()
		if o == nil || stringField(o, "column") == "" {
			return nil, status.Errorf(codes.InvalidArgument, "order_by[%d].column is required", i)
		}
		out.OrderBy = append(out.OrderBy, services.OrderSpec{
			Alias:  stringField(o, "alias"),
			Column: stringField(o, "column"),
			Desc:   boolField(o, "desc"),
		})
	}

	if out.Limit, err = uintField(req, "limit"); err != nil {
		return nil, err
	}
	if out.Offset, err = uintField(req, "offset"); err != nil {
		return nil, err
	}

	return out, nil
}
