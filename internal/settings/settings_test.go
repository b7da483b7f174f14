package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := NewMemoryStore()

	tier, err := s.Get(KeyWhoCanCreateRubrics)
	require.NoError(t, err)
	assert.Equal(t, TierPermissive, tier)

	tier, err = s.Get(KeyWhoCanModifyRubrics)
	require.NoError(t, err)
	assert.Equal(t, TierPerUser, tier)

	for _, key := range []string{KeyAllowHalf, KeyAllowThird, KeyAllowQuarter, KeyAllowFifth, KeyAllowEighth, KeyAllowTenth} {
		enabled, err := s.GetBool(key)
		require.NoError(t, err)
		assert.False(t, enabled, "%s defaults off", key)
	}
}

func TestUnknownKey(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get("no-such-setting")
	assert.Error(t, err)
	assert.Error(t, s.Set("no-such-setting", "true"))
	assert.Error(t, s.Reset("no-such-setting"))
}

func TestSetAndReset(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Set(KeyAllowHalf, "true"))
	enabled, err := s.GetBool(KeyAllowHalf)
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, s.Reset(KeyAllowHalf))
	enabled, err = s.GetBool(KeyAllowHalf)
	require.NoError(t, err)
	assert.False(t, enabled, "reset restores the default")
}

func TestImplications(t *testing.T) {
	t.Run("eighths switch on quarters and halves", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Set(KeyAllowEighth, "true"))

		for _, key := range []string{KeyAllowQuarter, KeyAllowHalf} {
			enabled, err := s.GetBool(key)
			require.NoError(t, err)
			assert.True(t, enabled, "%s implied by eighths", key)
		}
		enabled, err := s.GetBool(KeyAllowThird)
		require.NoError(t, err)
		assert.False(t, enabled, "thirds unrelated to eighths")
	})

	t.Run("tenths switch on fifths and halves", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Set(KeyAllowTenth, "true"))

		for _, key := range []string{KeyAllowFifth, KeyAllowHalf} {
			enabled, err := s.GetBool(key)
			require.NoError(t, err)
			assert.True(t, enabled)
		}
	})

	t.Run("disabling never cascades", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Set(KeyAllowQuarter, "true"))
		require.NoError(t, s.Set(KeyAllowQuarter, "false"))

		enabled, err := s.GetBool(KeyAllowHalf)
		require.NoError(t, err)
		assert.True(t, enabled, "halves stay on after quarters go off")
	})
}

func TestParseBool(t *testing.T) {
	s := NewMemoryStore()

	for _, v := range []string{"true", "1", "yes", "on"} {
		require.NoError(t, s.Set(KeyAllowHalf, v))
		enabled, err := s.GetBool(KeyAllowHalf)
		require.NoError(t, err)
		assert.True(t, enabled, "%q reads as true", v)
	}
	for _, v := range []string{"false", "0", "no", "off"} {
		require.NoError(t, s.Set(KeyAllowHalf, v))
		enabled, err := s.GetBool(KeyAllowHalf)
		require.NoError(t, err)
		assert.False(t, enabled, "%q reads as false", v)
	}

	require.NoError(t, s.Set(KeyAllowHalf, "maybe"))
	_, err := s.GetBool(KeyAllowHalf)
	assert.Error(t, err)
}
