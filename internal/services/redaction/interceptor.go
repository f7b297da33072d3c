package redaction

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// UserIDMetadataKey is the incoming metadata key carrying the caller's user ID
const UserIDMetadataKey = "x-user-id"

// SubjectResolver picks the subject a response of fullMethod should be redacted as.
// ok=false leaves the response untouched.
type SubjectResolver func(fullMethod string, req interface{}) (subject string, ok bool)

// MethodSubjects resolves a fixed subject per method
func MethodSubjects(subjects map[string]string) SubjectResolver {
	return func(fullMethod string, req interface{}) (string, bool) {
		subject, ok := subjects[fullMethod]
		return subject, ok
	}
}

// RequestField resolves the subject from a string field of a *structpb.Struct
// request, for the given methods only
func RequestField(field string, methods ...string) SubjectResolver {
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[m] = true
	}
	return func(fullMethod string, req interface{}) (string, bool) {
		if !allowed[fullMethod] {
			return "", false
		}
		s, ok := req.(*structpb.Struct)
		if !ok {
			return "", false
		}
		v, ok := s.GetFields()[field]
		if !ok || v.GetStringValue() == "" {
			return "", false
		}
		return v.GetStringValue(), true
	}
}

// Resolvers tries each resolver in order
func Resolvers(resolvers ...SubjectResolver) SubjectResolver {
	return func(fullMethod string, req interface{}) (string, bool) {
		for _, resolve := range resolvers {
			if subject, ok := resolve(fullMethod, req); ok {
				return subject, true
			}
		}
		return "", false
	}
}

// UserIDFromContext returns the user ID from incoming gRPC metadata
func UserIDFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	values := md.Get(UserIDMetadataKey)
	if len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}

// UnaryServerInterceptor returns a gRPC interceptor that redacts
// *structpb.Struct responses of the methods resolve selects.
// Responses are never returned unredacted: a redaction failure becomes an error.
func UnaryServerInterceptor(redactor *Redactor, resolve SubjectResolver) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		subject, ok := resolve(info.FullMethod, req)
		if !ok {
			return handler(ctx, req)
		}

		userID, ok := UserIDFromContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing "+UserIDMetadataKey+" metadata")
		}

		resp, err := handler(ctx, req)
		if err != nil {
			return resp, err
		}

		body, ok := resp.(*structpb.Struct)
		if !ok || body == nil {
			return resp, nil
		}

		redacted, err := redactor.RedactMap(ctx, userID, subject, body.AsMap())
		if err != nil {
			redactor.logger.WithError(err).WithField("method", info.FullMethod).Error("response redaction failed")
			return nil, status.Error(codes.Internal, "failed to redact response")
		}

		out, err := structpb.NewStruct(redacted)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to encode redacted response: %v", err)
		}
		return out, nil
	}
}
