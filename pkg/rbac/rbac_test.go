package rbac

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestHasPermission(t *testing.T) {
	user := User(uuid.New())
	admin := Admin(uuid.New())
	system := System()

	cases := []struct {
		actor Actor
		perm  string
		want  bool
	}{
		{user, PermissionCreateCampaign, true},
		{user, PermissionModerateCampaign, false},
		{user, PermissionRunSweep, false},
		{admin, PermissionModerateCampaign, true},
		{admin, PermissionReviewEscrow, true},
		{admin, PermissionReviewUpdateRequest, true},
		{admin, PermissionRunSweep, false},
		{system, PermissionRunSweep, true},
		{system, PermissionAutoCreateEscrow, true},
		{system, PermissionModerateCampaign, false},
		{Actor{ID: uuid.New(), Role: "guest"}, PermissionReadOwn, false},
	}

	for _, tc := range cases {
		if got := HasPermission(tc.actor, tc.perm); got != tc.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tc.actor.Role, tc.perm, got, tc.want)
		}
	}
}

func TestCheckPermission(t *testing.T) {
	err := CheckPermission(User(uuid.New()), PermissionReviewEscrow)
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}
	if denied.Permission != PermissionReviewEscrow {
		t.Fatalf("unexpected permission %q", denied.Permission)
	}
	if err := CheckPermission(Admin(uuid.New()), PermissionReviewEscrow); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
}

func TestActorIs(t *testing.T) {
	id := uuid.New()
	if !User(id).Is(id) {
		t.Fatal("user should match own id")
	}
	if System().Is(uuid.Nil) {
		t.Fatal("system actor must never match")
	}
}
