package taskscheduler

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type ArenaTestSuite struct {
	suite.Suite
}

func TestArenaTestSuite(t *testing.T) {
	suite.Run(t, new(ArenaTestSuite))
}

func (ts *ArenaTestSuite) TestAllocateMonotonic() {
	a := NewArena("test", 64, true)
	r1 := a.Allocate(16, 8)
	ts.NotNil(r1)
	ts.Equal(16, a.Used())

	r2 := a.Allocate(16, 8)
	ts.NotNil(r2)
	ts.Equal(32, a.Used())
}

func (ts *ArenaTestSuite) TestAllocateExhaustion() {
	a := NewArena("test", 8, true)
	ts.NotNil(a.Allocate(8, 1))
	ts.Nil(a.Allocate(1, 1))
}

func (ts *ArenaTestSuite) TestResetToMarkIsIdentityAtCurrentCursor() {
	a := NewArena("test", 64, true)
	a.Allocate(16, 1)
	mark := a.Mark()
	a.ResetTo(mark)
	ts.Equal(16, a.Used())
}

func (ts *ArenaTestSuite) TestResetToMarkUndoesLaterAllocations() {
	a := NewArena("test", 64, true)
	mark := a.Mark()
	a.Allocate(32, 1)
	a.ResetTo(mark)
	ts.Equal(0, a.Used())
	ts.NotNil(a.Allocate(64, 1))
}

func (ts *ArenaTestSuite) TestResetToInvalidMarkPanics() {
	a := NewArena("test", 64, true)
	a.Allocate(8, 1)
	mark := a.Mark()
	a.Reset()
	ts.Panics(func() { a.ResetTo(mark) })
}

func (ts *ArenaTestSuite) TestFullReset() {
	a := NewArena("test", 64, true)
	a.Allocate(64, 1)
	a.Reset()
	ts.Equal(0, a.Used())
	ts.NotNil(a.Allocate(64, 1))
}

func (ts *ArenaTestSuite) TestAlignment() {
	a := NewArena("test", 64, true)
	a.Allocate(1, 1)
	r := a.Allocate(8, 8)
	ts.NotNil(r)
	ts.Equal(16, a.Used())
}
