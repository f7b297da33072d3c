package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/repositories"
	"github.com/asakaida/gatekeeper/internal/services"
	"github.com/asakaida/gatekeeper/internal/services/queryfilter"
)

// === Shared Helper Functions for all handlers ===

// toStatus maps service errors onto gRPC status codes
func toStatus(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, repositories.ErrConflict):
		return status.Errorf(codes.AlreadyExists, "%s: %v", op, err)
	case errors.Is(err, services.ErrInvalidArgument), errors.Is(err, queryfilter.ErrInvalidQuery):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	default:
		return status.Errorf(codes.Internal, "%s failed: %v", op, err)
	}
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func requiredString(req *structpb.Struct, name string) (string, error) {
	v := stringField(req, name)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

func boolField(req *structpb.Struct, name string) bool {
	return req.GetFields()[name].GetBoolValue()
}

// uintField reads a non-negative integral number field; absent means 0
func uintField(req *structpb.Struct, name string) (uint64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, nil
	}
	if _, isNumber := v.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
	n := v.GetNumberValue()
	if n < 0 || n != math.Trunc(n) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", name)
	}
	return uint64(n), nil
}

// stringListField reads a list of strings; absent means nil
func stringListField(req *structpb.Struct, name string) ([]string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil, nil
	}
	return valueToStrings(v, name)
}

func valueToStrings(v *structpb.Value, name string) ([]string, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a list of strings", name)
	}
	out := make([]string, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "%s[%d] must be a string", name, i)
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}

// objectField reads a nested object; absent means nil
func objectField(req *structpb.Struct, name string) (map[string]interface{}, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil, nil
	}
	s := v.GetStructValue()
	if s == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be an object", name)
	}
	return s.AsMap(), nil
}

// ruleFromStruct builds a rule from its wire form
func ruleFromStruct(req *structpb.Struct) (*entities.Rule, error) {
	fields, err := stringListField(req, "fields")
	if err != nil {
		return nil, err
	}
	conditions, err := objectField(req, "conditions")
	if err != nil {
		return nil, err
	}
	return &entities.Rule{
		ID:         stringField(req, "id"),
		Action:     stringField(req, "action"),
		Subject:    stringField(req, "subject"),
		Fields:     fields,
		Conditions: entities.Conditions(conditions),
		Inverted:   boolField(req, "inverted"),
		Reason:     stringField(req, "reason"),
	}, nil
}

// ruleToMap converts a rule to its wire form
func ruleToMap(r entities.Rule) (map[string]interface{}, error) {
	m := map[string]interface{}{
		"action":   r.Action,
		"subject":  r.Subject,
		"inverted": r.Inverted,
	}
	if r.ID != "" {
		m["id"] = r.ID
	}
	if len(r.Fields) > 0 {
		fields := make([]interface{}, len(r.Fields))
		for i, f := range r.Fields {
			fields[i] = f
		}
		m["fields"] = fields
	}
	if len(r.Conditions) > 0 {
		conditions, err := jsonObject(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("failed to encode conditions of rule %q: %w", r.ID, err)
		}
		m["conditions"] = conditions
	}
	if r.Reason != "" {
		m["reason"] = r.Reason
	}
	return m, nil
}

func rulesToList(rules []entities.Rule) ([]interface{}, error) {
	out := make([]interface{}, 0, len(rules))
	for _, r := range rules {
		m, err := ruleToMap(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// jsonObject normalises arbitrary condition values (typed slices, ints)
// into the shapes structpb accepts
func jsonObject(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func newStruct(m map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return s, nil
}
