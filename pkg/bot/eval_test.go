package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvalExpr(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1+1", 2},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 3", 3},
		{"10 % 3", 1},
		{"-5 + 2", -3},
		{"--4", 4},
		{"2*-3", -6},
	}
	for _, c := range cases {
		got, err := evalExpr(c.in)
		assert.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestEvalExprErrors(t *testing.T) {
	for _, in := range []string{"", "1/0", "5 % 0", "(1+2", "1+", "abc", "1 2"} {
		_, err := evalExpr(in)
		assert.Error(t, err, in)
	}
}
