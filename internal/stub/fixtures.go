package stub

import "github.com/danmuck/readerlink/internal/batch"

// DemoAID is the application id answered by PartialCard.
var DemoAID = []byte{0xA0, 0x00, 0x00, 0x04, 0x04, 0x01, 0x25, 0x09, 0x01, 0x01}

// RecordCommand reads record n of the current file.
func RecordCommand(n byte) batch.Command {
	return batch.Command{APDU: []byte{0x00, 0xB2, n, 0x04, 0x00}}
}

// UnansweredCommand is never scripted, so it always fails on a stub reader.
func UnansweredCommand() batch.Command {
	return batch.Command{APDU: []byte{0x00, 0xB2, 0xFF, 0x04, 0x00}}
}

// PartialCard answers RecordCommand(1..8) and nothing else.
func PartialCard() *Card {
	c := NewCard(DemoAID)
	for n := byte(1); n <= 8; n++ {
		c.Script(RecordCommand(n).APDU, []byte{n, n, n, 0x90, 0x00})
	}
	return c
}

// PartialGroup builds a group of size commands in which command failAt is
// unanswered. failAt < 0 or >= size yields a group that completes.
func PartialGroup(size, failAt int) batch.Group {
	g := batch.Group{Selector: DemoAID}
	for i := 0; i < size; i++ {
		if i == failAt {
			g.Commands = append(g.Commands, UnansweredCommand())
			continue
		}
		g.Commands = append(g.Commands, RecordCommand(byte(i%8+1)))
	}
	return g
}

// PartialBatch builds groups of perGroup commands; group failGroup fails at failCommand.
func PartialBatch(groups, perGroup, failGroup, failCommand int) []batch.Group {
	out := make([]batch.Group, 0, groups)
	for i := 0; i < groups; i++ {
		failAt := -1
		if i == failGroup {
			failAt = failCommand
		}
		out = append(out, PartialGroup(perGroup, failAt))
	}
	return out
}
