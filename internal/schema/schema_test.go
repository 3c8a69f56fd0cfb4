package schema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlot_Deterministic(t *testing.T) {
	a := Slot("title")
	b := Slot("title")
	assert.Equal(t, a, b)
}

func TestSlot_AvoidsReservedAllOnes(t *testing.T) {
	// Find a name that would hash to 0xFFFFFFFF is impractical to force
	// directly; instead verify the sentinel path is reachable by
	// asserting it never returns the reserved value for a spread of
	// inputs, and that the constant itself is never emitted.
	for i := 0; i < 1000; i++ {
		s := Slot(fmt.Sprintf("field-%d", i))
		assert.NotEqual(t, uint32(0xFFFFFFFF), s)
	}
}

func TestInferType(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  FieldType
	}{
		{"bool", true, TypeBoolean},
		{"integer float64", float64(42), TypeInteger},
		{"float float64", float64(3.14), TypeFloat},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", TypeUUID},
		{"date", "2026-07-29", TypeDate},
		{"datetime", "2026-07-29T10:00:00Z", TypeDateTime},
		{"time", "10:00:00", TypeTime},
		{"geo", "40.7128,-74.0060", TypeGeo},
		{"numeric string", "12345", TypeInteger},
		{"float string", "3.14", TypeFloat},
		{"keyword", "us-west-2", TypeKeyword},
		{"free text", "the quick brown fox jumps", TypeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferType(tt.value))
		})
	}
}

func TestAccuracyLevels(t *testing.T) {
	assert.Equal(t, []string{"hour", "day", "month", "year", "decade", "century", "millennium"}, AccuracyLevels(TypeDate))
	assert.NotEmpty(t, AccuracyLevels(TypeInteger))
	assert.Nil(t, AccuracyLevels(TypeKeyword))
}

func TestRegistry_FieldForIsStableOnceFixed(t *testing.T) {
	r := NewRegistry()

	fs1, err := r.FieldFor("title", "hello world this is text")
	require.NoError(t, err)
	assert.Equal(t, TypeText, fs1.Type)

	fs2, err := r.FieldFor("title", float64(5))
	require.NoError(t, err)
	assert.Equal(t, fs1, fs2, "type is fixed on first sight regardless of later samples")
}

func TestRegistry_FieldForRejectsReservedName(t *testing.T) {
	r := NewRegistry()

	_, err := r.FieldFor(ReservedVersionField, "1")
	assert.ErrorIs(t, err, ErrReservedName)

	_, err = r.FieldFor("_anything", "x")
	assert.ErrorIs(t, err, ErrReservedName)

	assert.Empty(t, r.Current().Fields, "a rejected field must never be registered")
}

func TestRegistry_CurrentIsImmutableSnapshot(t *testing.T) {
	r := NewRegistry()
	before := r.Current()

	_, err := r.FieldFor("count", float64(1))
	require.NoError(t, err)

	assert.Empty(t, before.Fields, "previously obtained snapshot must not observe later writes")
	assert.Len(t, r.Current().Fields, 1)
}

func TestRegistry_ConcurrentFirstSightDoesNotLoseFields(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		i := i
		go func() {
			_, err := r.FieldFor(fmt.Sprintf("f%d", i), "x")
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Len(t, r.Current().Fields, 20)
}
