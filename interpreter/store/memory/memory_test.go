package memory_test

import (
	"testing"

	"github.com/frobware/go-netmon/interpreter"
	"github.com/frobware/go-netmon/interpreter/store/memory"
	"github.com/frobware/go-netmon/interpreter/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interpreter.ObjectStore {
		s := memory.New()
		t.Cleanup(func() { s.Close() })
		return s
	})
}
