package avatar_test

import (
	"context"
	"errors"
	"testing"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/avatar"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/store/mock"
)

func seededService(avatars ...store.Avatar) (*avatar.Service, *mock.Store) {
	st := mock.NewStore()
	for _, av := range avatars {
		st.PutAvatar(av)
	}
	return avatar.NewService(st.Avatars()), st
}

func TestGet_ReturnsRow(t *testing.T) {
	t.Parallel()

	svc, _ := seededService(store.Avatar{
		ID:             "av-1",
		Name:           "Mara",
		ImageURL:       "https://cdn.example.com/mara.png",
		VoiceSampleURL: "https://cdn.example.com/mara.wav",
	})

	av, err := svc.Get(context.Background(), "av-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if av.Name != "Mara" {
		t.Errorf("name = %q; want Mara", av.Name)
	}
}

func TestGet_MissingRowIsAvatarNotFound(t *testing.T) {
	t.Parallel()

	svc, _ := seededService()
	_, err := svc.Get(context.Background(), "ghost")
	if !apperr.IsKind(err, apperr.KindAvatarNotFound) {
		t.Errorf("err = %v; want avatar-not-found kind", err)
	}
}

func TestGet_CachesAfterFirstRead(t *testing.T) {
	t.Parallel()

	svc, st := seededService(store.Avatar{ID: "av-1", ImageURL: "img"})

	if _, err := svc.Get(context.Background(), "av-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !svc.Cached("av-1") {
		t.Fatal("avatar should be cached after the first read")
	}

	// Break the store; the cached row must still serve.
	st.GetAvatarErr = errors.New("database offline")
	av, err := svc.Get(context.Background(), "av-1")
	if err != nil {
		t.Fatalf("cached Get should not hit the store: %v", err)
	}
	if av.ID != "av-1" {
		t.Errorf("id = %q; want av-1", av.ID)
	}
}

func TestGet_StoreFailureSurfaces(t *testing.T) {
	t.Parallel()

	svc, st := seededService()
	st.GetAvatarErr = errors.New("database offline")

	_, err := svc.Get(context.Background(), "av-1")
	if !apperr.IsKind(err, apperr.KindStoreError) {
		t.Errorf("err = %v; want store-error kind", err)
	}
}

func TestRequireComplete(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		av        store.Avatar
		needVoice bool
		wantKind  apperr.Kind
		wantOK    bool
	}{
		{
			name:      "complete with voice",
			av:        store.Avatar{ID: "a", ImageURL: "img", VoiceSampleURL: "wav"},
			needVoice: true,
			wantOK:    true,
		},
		{
			name:   "image only when voice not needed",
			av:     store.Avatar{ID: "a", ImageURL: "img"},
			wantOK: true,
		},
		{
			name:     "missing image",
			av:       store.Avatar{ID: "a", VoiceSampleURL: "wav"},
			wantKind: apperr.KindAvatarIncomplete,
		},
		{
			name:      "missing voice when needed",
			av:        store.Avatar{ID: "a", ImageURL: "img"},
			needVoice: true,
			wantKind:  apperr.KindAvatarIncomplete,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc, _ := seededService(tc.av)
			_, err := svc.RequireComplete(context.Background(), tc.av.ID, tc.needVoice)
			if tc.wantOK {
				if err != nil {
					t.Fatalf("RequireComplete: %v", err)
				}
				return
			}
			if !apperr.IsKind(err, tc.wantKind) {
				t.Errorf("err = %v; want kind %v", err, tc.wantKind)
			}
		})
	}
}
