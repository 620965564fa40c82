// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appendStage returns a stage appending name to the trace.
func appendStage(name string) Func[[]string, []string] {
	return FuncAdapter[[]string, []string](func(ctx context.Context, trace []string) ([]string, error) {
		return append(trace, name), nil
	})
}

func TestCompose2(t *testing.T) {
	t.Run("success path", func(t *testing.T) {
		op1 := FuncAdapter[int, string](func(ctx context.Context, n int) (string, error) {
			return "hello", nil
		})
		op2 := FuncAdapter[string, int](func(ctx context.Context, s string) (int, error) {
			return len(s), nil
		})

		result, err := Compose2[int, string, int](op1, op2).Call(context.Background(), 42)

		require.NoError(t, err)
		assert.Equal(t, 5, result)
	})

	t.Run("first operation fails", func(t *testing.T) {
		wantErr := errors.New("op1 failed")
		op1 := FuncAdapter[int, string](func(ctx context.Context, n int) (string, error) {
			return "", wantErr
		})
		op2 := FuncAdapter[string, int](func(ctx context.Context, s string) (int, error) {
			t.Fatal("op2 should not be called")
			return 0, nil
		})

		_, err := Compose2[int, string, int](op1, op2).Call(context.Background(), 42)

		require.ErrorIs(t, err, wantErr)
	})
}

// Compose5 runs the stages in order.
func TestCompose5Order(t *testing.T) {
	pipeline := Compose5(appendStage("a"), appendStage("b"), appendStage("c"), appendStage("d"), appendStage("e"))

	trace, err := pipeline.Call(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, trace)
}

// Compose4 stops at the first failing stage.
func TestCompose4ShortCircuit(t *testing.T) {
	wantErr := errors.New("stage failed")
	var ran []string
	failing := FuncAdapter[[]string, []string](func(ctx context.Context, trace []string) ([]string, error) {
		ran = append(trace, "fail")
		return nil, wantErr
	})
	last := FuncAdapter[[]string, []string](func(ctx context.Context, trace []string) ([]string, error) {
		t.Fatal("stage after the failure should not run")
		return nil, nil
	})

	_, err := Compose4(appendStage("a"), appendStage("b"), failing, last).Call(context.Background(), nil)

	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, []string{"a", "b", "fail"}, ran)
}

// Compose3 passes the context to every stage.
func TestCompose3Context(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	check := FuncAdapter[int, int](func(ctx context.Context, n int) (int, error) {
		assert.Equal(t, "v", ctx.Value(key{}))
		return n + 1, nil
	})

	result, err := Compose3[int, int, int, int](check, check, check).Call(ctx, 0)

	require.NoError(t, err)
	assert.Equal(t, 3, result)
}
