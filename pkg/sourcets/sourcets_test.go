// Package sourcets tests
package sourcets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionString(t *testing.T) {
	tests := []struct {
		name     string
		p        PartitionID
		expected string
	}{
		{"none", NonePartition(), "none"},
		{"kafka zero", KafkaPartition(0), "0"},
		{"kafka", KafkaPartition(7), "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.p.String())
		})
	}
}

func TestParsePartition(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		for _, p := range []PartitionID{NonePartition(), KafkaPartition(0), KafkaPartition(42)} {
			parsed, err := ParsePartition(p.String())
			require.NoError(t, err)
			assert.Equal(t, 0, p.Compare(parsed))
		}
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		for _, s := range []string{"", "abc", "-1", "1.5"} {
			_, err := ParsePartition(s)
			assert.Error(t, err, "input %q", s)
		}
	})
}

func TestPartitionCompare(t *testing.T) {
	assert.Equal(t, -1, NonePartition().Compare(KafkaPartition(0)))
	assert.Equal(t, 1, KafkaPartition(0).Compare(NonePartition()))
	assert.Equal(t, -1, KafkaPartition(1).Compare(KafkaPartition(2)))
	assert.Equal(t, 0, KafkaPartition(3).Compare(KafkaPartition(3)))
}

func TestSourceTimestampString(t *testing.T) {
	assert.Equal(t, "none_0", Start(NonePartition()).String())
	assert.Equal(t, "3_42", MustNew(KafkaPartition(3), 42).String())
}

func TestSourceTimestampParse(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		ts, err := Parse("3_42")
		require.NoError(t, err)
		assert.True(t, ts.Equal(MustNew(KafkaPartition(3), 42)))

		ts, err = Parse("none_7")
		require.NoError(t, err)
		assert.True(t, ts.Partition.IsNone())
		assert.Equal(t, int64(7), ts.Offset)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, s := range []string{"", "42", "a_b", "3_-1", "3_42_1"} {
			_, err := Parse(s)
			assert.Error(t, err, "input %q", s)
		}
	})
}

func TestSourceTimestampOrdering(t *testing.T) {
	a := MustNew(KafkaPartition(1), 10)
	b := MustNew(KafkaPartition(1), 11)
	c := MustNew(KafkaPartition(2), 1)

	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.True(t, b.Before(c))
	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
}

func TestRawEventValidate(t *testing.T) {
	ev := &RawEvent{Partition: KafkaPartition(0), Offset: 1}
	assert.NoError(t, ev.Validate())

	ev.Offset = 0
	assert.Error(t, ev.Validate())
}

func TestRawEventTimestamp(t *testing.T) {
	ev := &RawEvent{Partition: KafkaPartition(2), Offset: 9}
	assert.True(t, ev.Timestamp().Equal(MustNew(KafkaPartition(2), 9)))
}
