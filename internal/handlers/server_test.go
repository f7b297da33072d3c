package handlers

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/repositories/memory"
	"github.com/asakaida/gatekeeper/internal/services"
	"github.com/asakaida/gatekeeper/internal/services/authorization"
	"github.com/asakaida/gatekeeper/internal/services/queryfilter"
	"github.com/asakaida/gatekeeper/internal/services/redaction"
	"github.com/asakaida/gatekeeper/pkg/cache/memorycache"
)

const bufSize = 1024 * 1024

// testServer runs both services over an in-memory connection
type testServer struct {
	conn *grpc.ClientConn
	mock sqlmock.Sqlmock
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := quietLogger()

	registry, err := entities.DefaultRegistry()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	backend, err := memorycache.New(&memorycache.Config{MaxEntries: 100, DefaultTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	celEngine, err := authorization.NewCELEngine()
	if err != nil {
		t.Fatalf("failed to create CEL engine: %v", err)
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	store := memory.NewStore()
	abilities := authorization.NewAbilityCache(backend, store.Users(), authorization.NewCompiler(celEngine),
		authorization.WithLogger(logger))
	filter := queryfilter.NewFilter(abilities, queryfilter.WithLogger(logger))
	finder := services.NewRecordFinder(db, registry, filter)
	admin := services.NewAccessAdminService(store.Users(), store.Roles(), store.Permissions(), abilities, logger)
	redactor := redaction.NewRedactor(abilities, registry, logger)

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		redaction.UnaryServerInterceptor(redactor,
			redaction.RequestField("subject", FullMethod(AccessServiceName, "Find"))),
	))
	RegisterAccessServiceServer(server, NewAccessHandler(abilities, abilities, finder, logger))
	RegisterAdminServiceServer(server, NewAdminHandler(admin))

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := server.Serve(listener); err != nil {
			t.Logf("server error: %v", err)
		}
	}()

	conn, err := grpc.NewClient(
		"passthrough://bufconn",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to create client connection: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		server.Stop()
		listener.Close()
		db.Close()
	})

	return &testServer{conn: conn, mock: mock}
}

// call invokes a Struct-in/Struct-out method
func (s *testServer) call(ctx context.Context, service, method string, req map[string]interface{}) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := s.conn.Invoke(ctx, FullMethod(service, method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (s *testServer) mustCall(t *testing.T, service, method string, req map[string]interface{}) map[string]interface{} {
	t.Helper()
	out, err := s.call(context.Background(), service, method, req)
	if err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	return out
}

// grantRole creates a role holding rules and assigns it to userID, returning the rule IDs
func (s *testServer) grantRole(t *testing.T, userID, roleName string, rules ...map[string]interface{}) []string {
	t.Helper()
	role := s.mustCall(t, AdminServiceName, "CreateRole", map[string]interface{}{"name": roleName})

	ids := make([]interface{}, 0, len(rules))
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		created := s.mustCall(t, AdminServiceName, "CreatePermission", r)
		ids = append(ids, created["id"])
		out = append(out, created["id"].(string))
	}
	s.mustCall(t, AdminServiceName, "SetRolePermissions", map[string]interface{}{
		"role_id":        role["id"],
		"permission_ids": ids,
	})
	s.mustCall(t, AdminServiceName, "AssignRole", map[string]interface{}{
		"user_id": userID,
		"role_id": role["id"],
	})
	return out
}

func withUser(userID string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), redaction.UserIDMetadataKey, userID)
}

