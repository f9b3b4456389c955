package redisengine_test

import (
	"testing"

	"github.com/go-producttwin/go-producttwin/internal/dbtest"
	"github.com/go-producttwin/go-producttwin/redisengine"
	"github.com/go-producttwin/go-producttwin/storetest"
)

func TestWideRows(t *testing.T) {
	client := dbtest.SetupRedis(t)
	storetest.RunWideRows(t, redisengine.NewWideRows(client, "producttwin-test"))
}
