package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-match-go/internal/textnorm"
)

func TestCosine(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		v := []float32{0.5, 0.5, 0.5}
		got := Cosine(v, 0, v, 0)
		assert.InDelta(t, 1.0, got, 1e-6)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		a := []float32{1, 0}
		b := []float32{0, 1}
		assert.InDelta(t, 0.0, Cosine(a, 0, b, 0), 1e-9)
	})

	t.Run("empty side yields zero", func(t *testing.T) {
		assert.Equal(t, 0.0, Cosine(nil, 0, []float32{1, 2}, 0))
		assert.Equal(t, 0.0, Cosine([]float32{1, 2}, 0, nil, 0))
	})

	t.Run("zero magnitude does not divide by zero", func(t *testing.T) {
		a := []float32{0, 0, 0}
		b := []float32{1, 2, 3}
		assert.Equal(t, 0.0, Cosine(a, 0, b, 0))
	})

	t.Run("precomputed norm matches recomputed", func(t *testing.T) {
		a := []float32{0.1, 0.9, 0.3}
		b := []float32{0.4, 0.2, 0.8}
		assert.InDelta(t, Cosine(a, 0, b, 0), Cosine(a, Norm(a), b, Norm(b)), 1e-9)
	})
}

func TestNorm(t *testing.T) {
	assert.InDelta(t, 5.0, Norm([]float32{3, 4}), 1e-6)
	assert.Equal(t, 0.0, Norm(nil))
}

func TestSoftJaccard(t *testing.T) {
	thr := 87

	t.Run("empty sides", func(t *testing.T) {
		empty := textnorm.NewTokenSet()
		some := textnorm.Tokens("python")
		assert.Equal(t, 0.0, SoftJaccard(empty, some, thr))
		assert.Equal(t, 0.0, SoftJaccard(some, empty, thr))
		assert.Equal(t, 0.0, SoftJaccard(empty, empty, thr))
	})

	t.Run("identical sets score one even at threshold 100", func(t *testing.T) {
		s := textnorm.Tokens("python, liderazgo, ventas")
		assert.Equal(t, 1.0, SoftJaccard(s, s, 100))
	})

	t.Run("disjoint sets score zero", func(t *testing.T) {
		a := textnorm.Tokens("python")
		b := textnorm.Tokens("contabilidad")
		assert.Equal(t, 0.0, SoftJaccard(a, b, thr))
	})

	t.Run("fuzzy match bridges misspellings", func(t *testing.T) {
		a := textnorm.Tokens("python, liderazgo")
		b := textnorm.Tokens("pyton, lider") // "lider" normalizes to "liderazgo"
		require.True(t, b.Contains("liderazgo"))
		// "python" vs "pyton" clears the partial-ratio threshold, and
		// "liderazgo" matches exactly. Union is {python, pyton, liderazgo}.
		got := SoftJaccard(a, b, thr)
		assert.InDelta(t, 2.0/3.0, got, 1e-9)
	})

	t.Run("result stays within bounds", func(t *testing.T) {
		a := textnorm.Tokens("gestion, ventas, marketing, finanzas")
		b := textnorm.Tokens("ventas, logistica")
		got := SoftJaccard(a, b, thr)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	})

	t.Run("each token of b is claimed at most once", func(t *testing.T) {
		// Both profile tokens would match the single candidate token, but
		// only one pair may count.
		a := textnorm.Tokens("gestion, gestiones")
		b := textnorm.Tokens("gestion")
		got := SoftJaccard(a, b, thr)
		assert.InDelta(t, 1.0/2.0, got, 1e-9)
	})

	t.Run("threshold zero matches everything pairable", func(t *testing.T) {
		a := textnorm.Tokens("python, ventas")
		b := textnorm.Tokens("contabilidad, logistica")
		// Every a-token claims some b-token at threshold 0, so matched
		// equals min(|a|, |b|) and the union has four members.
		got := SoftJaccard(a, b, 0)
		assert.InDelta(t, 2.0/4.0, got, 1e-9)
	})

	t.Run("threshold zero accepts pairs with a zero ratio", func(t *testing.T) {
		// "php" and "sql" share no letters, so their partial ratio is 0.
		// At threshold 0 that still counts as a claimed pair.
		a := textnorm.NewTokenSet("php")
		b := textnorm.NewTokenSet("sql")
		got := SoftJaccard(a, b, 0)
		assert.InDelta(t, 1.0/2.0, got, 1e-9)
	})

	t.Run("swapped sides are stable but not symmetric", func(t *testing.T) {
		// "peras" claims its exact twin first, stranding "perez" whose only
		// viable partner is gone. With the sides swapped, "paras" claims
		// "peras" and "peras" still clears the bar against "perez", so the
		// reverse direction pairs one token more.
		a := textnorm.NewTokenSet("peras", "perez")
		b := textnorm.NewTokenSet("paras", "peras")
		forward := SoftJaccard(a, b, 60)
		reverse := SoftJaccard(b, a, 60)
		assert.InDelta(t, 1.0/3.0, forward, 1e-9)
		assert.InDelta(t, 2.0/3.0, reverse, 1e-9)
		for i := 0; i < 10; i++ {
			assert.Equal(t, forward, SoftJaccard(a, b, 60))
			assert.Equal(t, reverse, SoftJaccard(b, a, 60))
		}
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		a := textnorm.Tokens("desarrollador, python, base de datos, ingles")
		b := textnorm.Tokens("python, bases de datos, ingles tecnico")
		first := SoftJaccard(a, b, thr)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, SoftJaccard(a, b, thr))
		}
	})
}
