package wadray

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func ray(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Ray)
}

func TestRayMulRoundsHalfUp(t *testing.T) {
	// 3 * 0.5 ray = 1.5 ray
	half := new(uint256.Int).Rsh(Ray, 1)
	got, err := RayMul(uint256.NewInt(3), half)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Uint64(), "1.5 rounds up to 2")

	got, err = RayMul(uint256.NewInt(2), half)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Uint64())
}

func TestRayMulOverflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	_, err := RayMul(max, uint256.NewInt(2))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestRayDiv(t *testing.T) {
	got, err := RayDiv(ray(10), ray(4))
	require.NoError(t, err)
	want := new(uint256.Int).Add(ray(2), new(uint256.Int).Rsh(Ray, 1))
	require.Zero(t, got.Cmp(want), "10/4 = 2.5 ray")

	_, err = RayDiv(ray(1), new(uint256.Int))
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestWadMulDivRoundTrip(t *testing.T) {
	a := uint256.NewInt(123_456_789)
	b := new(uint256.Int).Mul(uint256.NewInt(3), Wad)
	product, err := WadMul(a, b)
	require.NoError(t, err)
	back, err := WadDiv(product, b)
	require.NoError(t, err)
	require.Zero(t, back.Cmp(a))
}

func TestPercentMul(t *testing.T) {
	// 1000 * 33.33% with half-up rounding.
	got, err := PercentMul(uint256.NewInt(1000), 3333)
	require.NoError(t, err)
	require.Equal(t, uint64(333), got.Uint64())

	got, err = PercentMul(uint256.NewInt(15), 5000)
	require.NoError(t, err)
	require.Equal(t, uint64(8), got.Uint64(), "7.5 rounds up")
}

func TestPercentDiv(t *testing.T) {
	got, err := PercentDiv(uint256.NewInt(333), 3333)
	require.NoError(t, err)
	require.Equal(t, uint64(999), got.Uint64())

	_, err = PercentDiv(uint256.NewInt(1), 0)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestWeightedAvg(t *testing.T) {
	got, err := WeightedAvg(ray(1), ray(3), 5000)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(ray(2)))

	got, err = WeightedAvg(ray(1), ray(3), 0)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(ray(1)))

	got, err = WeightedAvg(ray(1), ray(3), 10_000)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(ray(3)))
}

func TestWadRayConversions(t *testing.T) {
	r, err := WadToRay(Wad)
	require.NoError(t, err)
	require.Zero(t, r.Cmp(Ray))
	require.Zero(t, RayToWad(Ray).Cmp(Wad))
}

func TestSafeSubClampsAtZero(t *testing.T) {
	require.True(t, SafeSub(uint256.NewInt(3), uint256.NewInt(5)).IsZero())
	require.Equal(t, uint64(2), SafeSub(uint256.NewInt(5), uint256.NewInt(3)).Uint64())
}
