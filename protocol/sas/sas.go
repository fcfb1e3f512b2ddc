package sas

import (
	"encoding/binary"
)

// Codec for short authentication strings: 6 bytes of verification output are
// rendered as three four-digit decimal numbers and as seven emoji, the same
// way the Matrix SAS method does, so both sides of a verification can read
// the codes to each other.
// https://spec.matrix.org/v1.11/client-server-api/#sas-method-decimal

// Glyph is one emoji of the SAS alphabet, with its spoken name.
type Glyph struct {
	Emoji string
	Name  string
}

// glyphs is the fixed 64-entry SAS emoji alphabet. Order is part of the
// verification contract; never reorder.
var glyphs = [64]Glyph{
	{"🐶", "Dog"},
	{"🐱", "Cat"},
	{"🦁", "Lion"},
	{"🐎", "Horse"},
	{"🦄", "Unicorn"},
	{"🐷", "Pig"},
	{"🐘", "Elephant"},
	{"🐰", "Rabbit"},
	{"🐼", "Panda"},
	{"🐓", "Rooster"},
	{"🐧", "Penguin"},
	{"🐢", "Turtle"},
	{"🐟", "Fish"},
	{"🐙", "Octopus"},
	{"🦋", "Butterfly"},
	{"🌷", "Flower"},
	{"🌳", "Tree"},
	{"🌵", "Cactus"},
	{"🍄", "Mushroom"},
	{"🌏", "Globe"},
	{"🌙", "Moon"},
	{"☁️", "Cloud"},
	{"🔥", "Fire"},
	{"🍌", "Banana"},
	{"🍎", "Apple"},
	{"🍓", "Strawberry"},
	{"🌽", "Corn"},
	{"🍕", "Pizza"},
	{"🎂", "Cake"},
	{"❤️", "Heart"},
	{"😀", "Smiley"},
	{"🤖", "Robot"},
	{"🎩", "Hat"},
	{"👓", "Glasses"},
	{"🔧", "Spanner"},
	{"🎅", "Santa"},
	{"👍", "Thumbs Up"},
	{"☂️", "Umbrella"},
	{"⌛", "Hourglass"},
	{"⏰", "Clock"},
	{"🎁", "Gift"},
	{"💡", "Light Bulb"},
	{"📕", "Book"},
	{"✏️", "Pencil"},
	{"📎", "Paperclip"},
	{"✂️", "Scissors"},
	{"🔒", "Lock"},
	{"🔑", "Key"},
	{"🔨", "Hammer"},
	{"☎️", "Telephone"},
	{"🏁", "Flag"},
	{"🚂", "Train"},
	{"🚲", "Bicycle"},
	{"✈️", "Aeroplane"},
	{"🚀", "Rocket"},
	{"🏆", "Trophy"},
	{"⚽", "Ball"},
	{"🎸", "Guitar"},
	{"🎺", "Trumpet"},
	{"🔔", "Bell"},
	{"⚓", "Anchor"},
	{"🎧", "Headphones"},
	{"📁", "Folder"},
	{"📌", "Pin"},
}

// Decimal slices bytes 0-4 into three big-endian 13-bit fields and adds 1000
// to each, giving three numbers in [1000, 9191].
func Decimal(b [6]byte) [3]int {
	num := binary.BigEndian.Uint64(append([]byte{0, 0, 0}, b[:5]...))

	var result [3]int
	for i := 0; i < 3; i++ {
		result[i] = int((num>>(40-13*(i+1)))&0x1fff) + 1000
	}
	return result
}

// Emoji slices bytes 0-5 into seven 6-bit fields (base64-style), each
// indexing the fixed glyph alphabet.
func Emoji(b [6]byte) [7]Glyph {
	num := binary.BigEndian.Uint64(append([]byte{0, 0}, b[:]...))

	var result [7]Glyph
	for i := 0; i < 7; i++ {
		result[i] = glyphs[(num>>(48-6*(i+1)))&0x3f]
	}
	return result
}
