/*Package stage provides a driver for multi-axis substrate positioning stages.

The driver turns the control box's bare request/response protocol into a
positioning service with homing, jogging, absolute and relative motion,
emergency stop, and out-of-bounds protection.  Public operations return a
Code from the closed taxonomy in codes.go rather than an error, so the
measurement orchestration above can branch on outcomes without unwinding.

The physical stage can only do one thing at a time, so all operations are
synchronous and the driver assumes a single caller; serializing access
across processes is the orchestrator's job (in the lab this is an exclusive
lease held for the duration of one motion+measurement action).  Issuing two
motion commands to the same axis concurrently has undefined hardware-level
outcome.  The one escape hatch is EStop, which may be called from another
goroutine while a blocking operation is outstanding.
*/
package stage

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pvlabs/stagehand/util"

	"github.com/brandondube/ringo"
	"golang.org/x/time/rate"
)

// Link is the request/response channel to the control box.  An empty
// response with a nil error is an acknowledgement; a non-empty response is
// a rejection or a reading; an error is a link-level failure.
type Link interface {
	Get(cmd string) (string, error)
}

// AllAxes addresses every discovered axis at once
const AllAxes = -1

// maxAxes is the number of controller slots in the box's bitmask
const maxAxes = 3

// geometry of the uStepperS driven screw stages
const (
	motorStepsPerRev = 200  // full steps per revolution
	microStepping    = 256  // microsteps per full step
	screwPitchMM     = 8.0  // mm of travel per revolution

	// DefaultStepsPerMM is the conversion ratio for the standard screw
	DefaultStepsPerMM = motorStepsPerRev * microStepping / screwPitchMM

	// DefaultLengthTolerance is how far a measured length may deviate from
	// the expected length, in mm
	DefaultLengthTolerance = 5

	// DefaultEndBuffer keeps targets this many mm away from either hard
	// end of travel; homing gets confused by carriages parked on the stops
	DefaultEndBuffer = 5

	// DefaultOtterSafeX is the axis 1 position (mm) from which axis 2 can
	// home without collision on the otter stage geometry
	DefaultOtterSafeX = 550
)

// DefaultPollInterval is how often the driver polls the box while waiting
// for motion to conclude
const DefaultPollInterval = 250 * time.Millisecond

// Direction selects which way a jog drives an axis
type Direction string

const (
	// DirA jogs away from the motor end of travel
	DirA Direction = "a"

	// DirB jogs toward the motor end of travel
	DirB Direction = "b"
)

// Config holds the stage geometry and conversion parameters
type Config struct {
	// StepsPerMM is the microsteps per millimeter ratio
	StepsPerMM float64

	// ExpectedLengths holds the as-built axis lengths in mm, one per axis
	// the caller believes is installed
	ExpectedLengths []float64

	// Keepouts holds per-axis forbidden position intervals in mm; an empty
	// entry means the axis is unrestricted
	Keepouts [][]float64

	// EndBuffer is the travel margin in mm at both ends, see
	// DefaultEndBuffer
	EndBuffer float64

	// LengthTolerance is the allowed measured-vs-expected deviation in mm
	LengthTolerance float64

	// Otter selects the dependent two-axis homing choreography needed by
	// the otter stage geometry
	Otter bool

	// OtterSafeX is the axis 1 parking position in mm that clears axis 2's
	// homing path
	OtterSafeX float64

	// PollInterval paces completion polling
	PollInterval time.Duration
}

// Axis is one discovered degree of freedom of the stage
type Axis struct {
	// Index is the hardware axis number, 1 through 3, stable for the life
	// of a connection
	Index int

	expected int       // steps, set once at Connect, immutable after
	measured int       // steps, negative until a length read succeeds
	pos      *float64  // mm, nil until a position read succeeds
	keepout  []float64 // mm, empty = unrestricted
}

// Stage drives a single multi-axis stage through a Link
type Stage struct {
	link Link
	cfg  Config
	conv Converter
	axes []*Axis

	homed bool

	poll *rate.Limiter
}

// New returns a Stage ready for Connect.  Zero-valued Config fields take
// the defaults above.
func New(link Link, cfg Config) *Stage {
	if cfg.StepsPerMM == 0 {
		cfg.StepsPerMM = DefaultStepsPerMM
	}
	if cfg.LengthTolerance == 0 {
		cfg.LengthTolerance = DefaultLengthTolerance
	}
	if cfg.EndBuffer == 0 {
		cfg.EndBuffer = DefaultEndBuffer
	}
	if cfg.OtterSafeX == 0 {
		cfg.OtterSafeX = DefaultOtterSafeX
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Stage{
		link: link,
		cfg:  cfg,
		conv: Converter{StepsPerMM: cfg.StepsPerMM},
		poll: rate.NewLimiter(rate.Every(cfg.PollInterval), 1)}
}

// Homed reports whether the whole stage passed its last full length check
func (s *Stage) Homed() bool {
	return s.homed
}

// Axes returns the hardware indices of the discovered axes, in bitmask
// order
func (s *Stage) Axes() []int {
	out := make([]int, len(s.axes))
	for i, ax := range s.axes {
		out[i] = ax.Index
	}
	return out
}

// NAxes returns how many axes were discovered
func (s *Stage) NAxes() int {
	return len(s.axes)
}

// MeasuredLengths returns the last read length of each axis in mm, nil for
// axes whose length has never been read
func (s *Stage) MeasuredLengths() []*float64 {
	out := make([]*float64, len(s.axes))
	for i, ax := range s.axes {
		if ax.measured >= 0 {
			mm := s.conv.ToMM(ax.measured)
			out[i] = &mm
		}
	}
	return out
}

// axis resolves a hardware index to its record, nil if not discovered
func (s *Stage) axis(idx int) *Axis {
	for _, ax := range s.axes {
		if ax.Index == idx {
			return ax
		}
	}
	return nil
}

// readInt issues cmd and parses an integer reply.  ok is false on link
// failure or an unparseable reply.
func (s *Stage) readInt(cmd string) (int, bool) {
	resp, err := s.link.Get(cmd)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return 0, false
	}
	return v, true
}

// ack issues a command that expects an empty acknowledgement.  false covers
// both rejection and link failure.
func (s *Stage) ack(cmd string) bool {
	resp, err := s.link.Get(cmd)
	return err == nil && resp == ""
}

// Connect discovers which axes are installed and prepares their records.
// It returns OK when the link was reachable and discovery completed, even
// if the stage is not homed or the configured axis count does not match the
// hardware (both are logged); check Homed separately.  Unreachable means a
// link-level failure.
func (s *Stage) Connect() Code {
	resp, err := s.link.Get("e")
	if err != nil {
		return Unreachable
	}
	mask, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return Unreachable
	}
	s.axes = nil
	s.homed = false
	for i := 0; i < maxAxes; i++ {
		if (mask>>uint(i))&1 == 1 {
			s.axes = append(s.axes, &Axis{Index: i + 1, expected: -1, measured: -1})
		}
	}
	if len(s.axes) != len(s.cfg.ExpectedLengths) {
		log.Printf("stage: configured %d expected lengths but hardware reports %d axes",
			len(s.cfg.ExpectedLengths), len(s.axes))
		return OK
	}
	for i, ax := range s.axes {
		ax.expected = s.conv.ToSteps(s.cfg.ExpectedLengths[i])
		if i < len(s.cfg.Keepouts) {
			ax.keepout = s.cfg.Keepouts[i]
		}
		if p, ok := s.readInt(fmt.Sprintf("r%d", ax.Index)); ok && p > 0 {
			mm := s.conv.ToMM(p)
			ax.pos = &mm
		}
	}
	if c := s.CheckLengths(AllAxes); c != OK {
		log.Printf("stage: lengths did not check out at connect (%d); homing required", c)
	}
	return OK
}

// Close forgets the discovered axes and homing state.  The Link belongs to
// the caller and is left alone.
func (s *Stage) Close() {
	s.axes = nil
	s.homed = false
}

// CheckLengths reads the measured length of one axis (or all with AllAxes)
// and validates it against the expected length within the configured
// tolerance.  The fresh reading is recorded on the axis even when the check
// fails.  Checking stops at the first axis that fails: LengthInvalid for a
// reading outside tolerance, LengthUnknowable when no usable reading exists
// (the axis needs homing or is homing right now).  A whole-stage check sets
// the Homed flag from its outcome; a single-axis check leaves it alone.
func (s *Stage) CheckLengths(axis int) Code {
	ret := Internal
	var toCheck []*Axis
	if axis == AllAxes {
		toCheck = s.axes
	} else if ax := s.axis(axis); ax != nil {
		toCheck = []*Axis{ax}
	} else {
		ret = BadAxis
	}
	for _, ax := range toCheck {
		length, ok := s.readInt(fmt.Sprintf("l%d", ax.Index))
		if ok {
			ax.measured = length
		} else {
			ax.measured = -1
		}
		if !ok || length <= 0 {
			s.homed = false
			ret = LengthUnknowable
			break
		}
		tol := s.conv.ToSteps(s.cfg.LengthTolerance)
		lo, hi := ax.expected-tol, ax.expected+tol
		if length <= lo || length >= hi {
			log.Printf("stage: axis %d length %d steps is not on (%d, %d)", ax.Index, length, lo, hi)
			ret = LengthInvalid
			break
		}
		ret = OK
	}
	if axis == AllAxes {
		s.homed = ret == OK
	}
	return ret
}

// Home establishes the absolute reference of one axis, or the whole stage
// with AllAxes.  When blocking it returns the measured axis lengths in mm,
// in axis order; non-blocking returns immediately with OK and no lengths.
// On the otter stage geometry only a blocking whole-stage home is possible
// and anything else returns Unsupported.
func (s *Stage) Home(axis int, block bool, timeout time.Duration) ([]float64, Code) {
	return s.home(axis, block, timeout, true)
}

// home is Home with the otter choreography defeatable, so the choreography
// itself can issue plain per-axis homes
func (s *Stage) home(axis int, block bool, timeout time.Duration, enableOtter bool) ([]float64, Code) {
	start := time.Now()
	if s.cfg.Otter && enableOtter {
		if axis == AllAxes && block {
			return s.otterHome(timeout - time.Since(start))
		}
		return nil, Unsupported
	}
	cmd := "h"
	if axis != AllAxes {
		if s.axis(axis) == nil {
			return nil, BadAxis
		}
		cmd = fmt.Sprintf("h%d", axis)
	}
	if !s.ack(cmd) {
		return nil, Rejected // already homing?
	}
	if !block {
		return nil, OK
	}
	return s.waitForHomeOrJog(axis, timeout-time.Since(start))
}

// otterHome homes the otter stage geometry.  Axis 2's home position is only
// well defined once axis 1 is out of its way, so the order is a hard
// physical constraint: jog axis 2 clear to its motor end, home axis 1,
// validate axis 1's length (UnexpectedLength on failure), park axis 1 at
// the safe crossing position, then home axis 2.  Any step's failure
// short-circuits the rest and propagates that step's code.
func (s *Stage) otterHome(timeout time.Duration) ([]float64, Code) {
	start := time.Now()
	dims := make([]float64, 2)
	if c := s.Jog(2, DirB, true, timeout); c != OK {
		return nil, c
	}
	lengths, c := s.home(1, true, timeout-time.Since(start), false)
	if c != OK {
		return nil, c
	}
	dims[0] = lengths[0]
	if c := s.CheckLengths(1); c != OK {
		return nil, UnexpectedLength
	}
	if c := s.Goto([]float64{s.cfg.OtterSafeX}, []int{1}, true, timeout-time.Since(start)); c != OK {
		return nil, c
	}
	lengths, c = s.home(2, true, timeout-time.Since(start), false)
	if c != OK {
		return nil, c
	}
	dims[1] = lengths[0]
	s.CheckLengths(AllAxes)
	return dims, OK
}

// waitForHomeOrJog polls the length register of each waited-on axis until
// it reads non-negative (negative means still moving or unreadable),
// refreshing the axis position as each one finishes.  Lengths are returned
// in mm in axis order; if the budget runs out before every axis finishes
// the whole call is Timedout and partial results are discarded.  A
// whole-stage wait re-runs the full length check afterwards regardless of
// outcome.
func (s *Stage) waitForHomeOrJog(axis int, timeout time.Duration) ([]float64, Code) {
	start := time.Now()
	var toWait []*Axis
	if axis == AllAxes {
		toWait = s.axes
	} else if ax := s.axis(axis); ax != nil {
		toWait = []*Axis{ax}
	} else {
		return nil, BadAxis
	}
	ret := Internal
	dims := make([]float64, 0, len(toWait))
	for _, ax := range toWait {
		ret = Timedout
		for time.Since(start) < timeout {
			length, ok := s.readInt(fmt.Sprintf("l%d", ax.Index))
			if ok && length >= 0 {
				dims = append(dims, s.conv.ToMM(length))
				if p, ok2 := s.readInt(fmt.Sprintf("r%d", ax.Index)); ok2 {
					mm := s.conv.ToMM(p)
					ax.pos = &mm
				}
				if axis != AllAxes {
					s.CheckLengths(ax.Index)
				}
				ret = OK
				break
			}
			s.poll.Wait(context.Background())
		}
	}
	if axis == AllAxes {
		s.CheckLengths(AllAxes)
	}
	if ret != OK {
		return nil, ret
	}
	return dims, OK
}

// Jog drives a single axis in the given direction until it reaches a limit
// or stalls.  Blocking jogs wait for the motion to conclude within timeout.
func (s *Stage) Jog(axis int, dir Direction, block bool, timeout time.Duration) Code {
	start := time.Now()
	if s.axis(axis) == nil {
		return BadAxis
	}
	if !s.ack(fmt.Sprintf("j%d%s", axis, dir)) {
		return Rejected
	}
	if !block {
		return OK
	}
	_, c := s.waitForHomeOrJog(axis, timeout-time.Since(start))
	return c
}

// GetPosition reads the current position of the given axes (nil for all)
// directly from the hardware, in mm.  Axes whose raw position is absent or
// non-positive report nil rather than failing the whole call.  The cached
// per-axis position is refreshed as a side effect, including to nil on
// failure.
func (s *Stage) GetPosition(axes []int) []*float64 {
	if axes == nil {
		axes = s.Axes()
	}
	out := make([]*float64, len(axes))
	for i, idx := range axes {
		ax := s.axis(idx)
		if ax == nil {
			continue
		}
		if p, ok := s.readInt(fmt.Sprintf("r%d", idx)); ok && p > 0 {
			mm := s.conv.ToMM(p)
			out[i] = &mm
		}
		ax.pos = out[i]
	}
	return out
}

// boundsCheck verifies a step target stays between the end buffers and out
// of the axis keepout zone.  length is the authoritative axis length in
// steps, buffer the end buffer in steps.  The same guard applies to every
// motion primitive that takes a target.
func (s *Stage) boundsCheck(ax *Axis, target, length, buffer int) Code {
	travel := util.Limiter{Min: float64(buffer), Max: float64(length - buffer)}
	if !travel.Check(float64(target)) {
		return OutOfBounds
	}
	if len(ax.keepout) > 0 {
		// keepout zones are configured in mm and converted here, at use
		// time, so they follow the conversion ratio in force
		lo, hi := ax.keepout[0], ax.keepout[0]
		for _, v := range ax.keepout[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		zone := util.Limiter{
			Min: float64(s.conv.ToSteps(lo)),
			Max: float64(s.conv.ToSteps(hi))}
		if zone.Check(float64(target)) {
			return OutOfBounds
		}
	}
	return OK
}

// Goto sends the given axes (nil for all) to absolute positions in mm.
// Every target is validated against the freshly read axis length, the end
// buffers, and the keepout zone before any axis is commanded; one bad
// target rejects the whole call with OutOfBounds and no motion.  An axis
// whose length cannot be read is treated as unhomed (Rejected).  When
// blocking, each axis is polled until two consecutive position reads agree;
// a rest position away from the target is a stall (Stalled), which sticks
// even if a later axis lands cleanly.  Only a fully successful whole-stage
// goto re-asserts the Homed flag.
func (s *Stage) Goto(posMM []float64, axes []int, block bool, timeout time.Duration) Code {
	start := time.Now()
	if axes == nil {
		axes = s.Axes()
	}
	if len(posMM) != len(axes) {
		return Mismatch
	}
	targets := make([]int, len(axes))
	resolved := make([]*Axis, len(axes))
	buffer := s.conv.ToSteps(s.cfg.EndBuffer)
	ret := Internal
	for i, idx := range axes {
		ax := s.axis(idx)
		if ax == nil {
			return BadAxis
		}
		resolved[i] = ax
		targets[i] = s.conv.ToSteps(posMM[i])
		// read the length fresh; homing may have changed it since the
		// cached copy was taken
		length, ok := s.readInt(fmt.Sprintf("l%d", idx))
		if !ok || length <= 0 {
			s.homed = false
			return Rejected
		}
		if c := s.boundsCheck(ax, targets[i], length, buffer); c != OK {
			return c
		}
		ret = OK
	}
	for i, ax := range resolved {
		if !s.ack(fmt.Sprintf("g%d%d", ax.Index, targets[i])) {
			ret = Rejected
			break
		}
	}
	if ret == OK && block {
		for i, ax := range resolved {
			ring := ringo.CircleF64{}
			ring.Init(2)
			ring.Append(-1000)
			ring.Append(-2000)
			stopped := false
			var rest float64
			for time.Since(start) < timeout {
				if p, ok := s.readInt(fmt.Sprintf("r%d", ax.Index)); ok {
					ring.Append(float64(p))
				} else {
					ring.Append(math.NaN())
				}
				win := ring.Contiguous()
				if win[0] == win[1] {
					rest = win[1]
					if int(rest) != targets[i] {
						log.Printf("stage: goto axis %d wanted %.4f mm, got %.4f mm",
							ax.Index, s.conv.ToMM(targets[i]), s.conv.ToMM(int(rest)))
						ret = Stalled
					} else if ret != Stalled { // a stall on an earlier axis sticks
						ret = OK
					}
					stopped = true
					break
				}
				s.poll.Wait(context.Background())
			}
			if !stopped {
				ret = Timedout
			} else {
				mm := s.conv.ToMM(int(rest))
				ax.pos = &mm
			}
		}
	}
	if ret == OK && block && len(axes) == len(s.axes) {
		// every axis verified at its target; could not have gotten this
		// far without being homed
		s.homed = true
	}
	return ret
}

// Move shifts the given axes (nil for all) by relative offsets in mm.  The
// current position of every axis is read fresh from the hardware; a stale
// or unreadable position aborts with Rejected before any arithmetic.  The
// computed absolute targets are delegated to Goto, bounds checks included.
func (s *Stage) Move(deltaMM []float64, axes []int, block bool, timeout time.Duration) Code {
	start := time.Now()
	if axes == nil {
		axes = s.Axes()
	}
	if len(deltaMM) != len(axes) {
		return Mismatch
	}
	where := make([]float64, len(axes))
	for i, idx := range axes {
		if s.axis(idx) == nil {
			return BadAxis
		}
		p, ok := s.readInt(fmt.Sprintf("r%d", idx))
		if !ok || p <= 0 {
			return Rejected
		}
		where[i] = s.conv.ToMM(p) + deltaMM[i]
	}
	return s.Goto(where, axes, block, timeout-time.Since(start))
}

// EStop immediately stops and unpowers the given axes (nil for all).  When
// every axis is addressed a single whole-stage stop is issued; otherwise
// axes are stopped one by one and any rejection makes the overall result
// Rejected, a later success never overwrites it.
func (s *Stage) EStop(axes []int) Code {
	if axes == nil {
		axes = s.Axes()
	}
	if len(axes) == len(s.axes) {
		if s.ack("b") {
			return OK
		}
		return Rejected
	}
	ret := Internal
	for _, idx := range axes {
		if s.ack(fmt.Sprintf("b%d", idx)) {
			if ret != Rejected { // this error needs to stick
				ret = OK
			}
		} else {
			ret = Rejected
		}
	}
	return ret
}
