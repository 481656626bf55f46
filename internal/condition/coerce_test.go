package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Value
		wantA Value
		wantB Value
	}{
		{"null left", Null, String("on"), Null, Null},
		{"null right", Number(3), Null, Null, Null},
		{"same kind strings", String("on"), String("off"), String("on"), String("off")},
		{"bool and on string", Bool(true), String("on"), Bool(true), Bool(true)},
		{"bool and off string", Bool(true), String("off"), Bool(true), Bool(false)},
		{"bool and number", Bool(false), Number(2), Bool(false), Bool(true)},
		{"numeric string and number", String("21.5"), Number(20), Number(21.5), Number(20)},
		{"integer string and number", String("5"), Number(5), Number(5), Number(5)},
		{"word string and number", String("home"), Number(5), String("home"), String("5")},
		{"bool and word string", Bool(true), String("home"), String("True"), String("home")},
		{"bool and yes", Bool(false), String("yes"), Bool(false), Bool(true)},
		{"bool and n", Bool(true), String("n"), Bool(true), Bool(false)},
		{"bool and enabled", Bool(false), String("Enabled"), Bool(false), Bool(true)},
		{"bool and disable", Bool(true), String("disable"), Bool(true), Bool(false)},
		{"bool before numeric", String("1"), Bool(true), Bool(true), Bool(true)},
		{"zero string is false", Bool(false), String("0"), Bool(false), Bool(false)},
		{"empty string is not a bool", Bool(false), String(""), String("False"), String("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := Coerce(tt.a, tt.b)
			assert.True(t, tt.wantA.Equal(a), "left: want %v (%s), got %v (%s)", tt.wantA, tt.wantA.Kind(), a, a.Kind())
			assert.True(t, tt.wantB.Equal(b), "right: want %v (%s), got %v (%s)", tt.wantB, tt.wantB.Kind(), b, b.Kind())
		})
	}
}

func TestCoerce_Symmetric(t *testing.T) {
	values := []Value{
		Null,
		Bool(true),
		Bool(false),
		Number(0),
		Number(1),
		Number(21.5),
		String("on"),
		String("off"),
		String("21.5"),
		String("1"),
		String("home"),
		String(""),
	}

	for _, a := range values {
		for _, b := range values {
			ab1, ab2 := Coerce(a, b)
			ba1, ba2 := Coerce(b, a)
			assert.True(t, ab1.Equal(ba2) && ab2.Equal(ba1),
				"Coerce(%v, %v) = (%v, %v) but Coerce(%v, %v) = (%v, %v)",
				a, b, ab1, ab2, b, a, ba1, ba2)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a    Value
		cmp  Comparator
		b    Value
		want bool
	}{
		{"equal strings", String("on"), Equal, String("on"), true},
		{"not equal strings", String("on"), NotEqual, String("off"), true},
		{"numeric string less than number", String("5"), LessThan, Number(10), true},
		{"numeric strings of the same kind compare lexically", String("9"), LessThan, String("10"), false},
		{"greater or equal", Number(10), GreaterOrEqual, String("10"), true},
		{"less or equal", Number(10.5), LessOrEqual, Number(10), false},
		{"greater than across kinds", String("22.1"), GreaterThan, Number(22), true},
		{"bool equals on", Bool(true), Equal, String("on"), true},
		{"bool not equals off", Bool(true), NotEqual, String("off"), true},
		{"word vs number is unequal", String("home"), Equal, Number(1), false},
		{"word vs number not equal", String("home"), NotEqual, Number(1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.a, tt.cmp, tt.b)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompare_UnknownComparator(t *testing.T) {
	got, err := Compare(String("a"), Comparator("~="), String("a"))
	assert.Error(t, err)
	assert.False(t, got)
}

func TestIsEntityID(t *testing.T) {
	tests := []struct {
		in   Value
		want bool
	}{
		{String("binary_sensor.front_door"), true},
		{String("light.kitchen"), true},
		{String("1.5"), false},
		{String("1e5"), false},
		{String("on"), false},
		{String("sensor.with space"), false},
		{String("a.b.c"), false},
		{String(""), false},
		{Number(1.5), false},
		{Null, false},
	}

	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, IsEntityID(tt.in))
		})
	}
}

func TestValueOf(t *testing.T) {
	assert.True(t, ValueOf(nil).IsNull())
	assert.True(t, Number(3).Equal(ValueOf(3)))
	assert.True(t, Number(3).Equal(ValueOf(int64(3))))
	assert.True(t, Bool(true).Equal(ValueOf(true)))
	assert.True(t, String("on").Equal(ValueOf("on")))
	assert.True(t, String(`{"a":1}`).Equal(ValueOf(map[string]any{"a": 1})))
	assert.Equal(t, "5", Number(5).String())
	assert.Equal(t, "2.25", Number(2.25).String())
}
