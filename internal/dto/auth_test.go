package dto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/chattar-api/internal/models"
)

func TestUserViewNeverCarriesPasswordHash(t *testing.T) {
	user := &models.User{
		ID:           "u1",
		Username:     "alice",
		Email:        "a@x.com",
		PasswordHash: "$2a$10$secrethashvalue",
		PublicKey:    "pk",
		DeviceKeys:   models.DeviceKeys{{PublicKey: "dk", DeviceID: "d1", AddedAt: time.Now()}},
		Status:       models.StatusOffline,
	}

	raw, err := json.Marshal(NewUserView(user))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secrethashvalue")
	assert.NotContains(t, string(raw), "password")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "alice", decoded["username"])
	assert.Len(t, decoded["deviceKeys"], 1)
}

func TestNewMeView(t *testing.T) {
	view := NewMeView(&UserView{ID: "u1", Username: "alice", Email: "a@x.com", PublicKey: "pk", Status: models.StatusBusy})
	assert.Equal(t, &MeView{ID: "u1", Username: "alice", Email: "a@x.com", PublicKey: "pk"}, view)
	assert.Nil(t, NewMeView(nil))
	assert.Nil(t, NewUserView(nil))
}
