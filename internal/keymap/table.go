package keymap

// Control key state flags (dwControlKeyState).
const (
	RightAltPressed  uint32 = 0x0001
	LeftAltPressed   uint32 = 0x0002
	RightCtrlPressed uint32 = 0x0004
	LeftCtrlPressed  uint32 = 0x0008
	ShiftPressed     uint32 = 0x0010
)

// Virtual key codes for the navigation and function keys.
const (
	VKPrior  uint16 = 0x21
	VKNext   uint16 = 0x22
	VKEnd    uint16 = 0x23
	VKHome   uint16 = 0x24
	VKLeft   uint16 = 0x25
	VKUp     uint16 = 0x26
	VKRight  uint16 = 0x27
	VKDown   uint16 = 0x28
	VKSelect uint16 = 0x29
	VKInsert uint16 = 0x2D
	VKDelete uint16 = 0x2E
	VKF1     uint16 = 0x70
)

// Key is the physical key that produces a character or function.
type Key struct {
	VirtualKey uint16
	ScanCode   uint16
	Modifiers  uint32
}

const (
	ctrl      = RightCtrlPressed
	shift     = ShiftPressed
	ctrlShift = RightCtrlPressed | ShiftPressed
)

// ascii maps each 7-bit code point to the key that types it on a US layout.
var ascii = [128]Key{
	0:   {50, 3, ctrlShift},
	1:   {65, 30, ctrl},
	2:   {66, 48, ctrl},
	3:   {67, 46, ctrl},
	4:   {68, 32, ctrl},
	5:   {69, 18, ctrl},
	6:   {70, 33, ctrl},
	7:   {71, 34, ctrl},
	8:   {72, 35, ctrl},
	9:   {9, 15, ctrl},
	10:  {74, 36, ctrl},
	11:  {75, 37, ctrl},
	12:  {76, 38, ctrl},
	13:  {13, 28, 0},
	14:  {78, 49, ctrl},
	15:  {79, 24, ctrl},
	16:  {80, 25, ctrl},
	17:  {81, 16, ctrl},
	18:  {82, 19, ctrl},
	19:  {83, 31, ctrl},
	20:  {84, 20, ctrl},
	21:  {85, 22, ctrl},
	22:  {86, 47, ctrl},
	23:  {87, 17, ctrl},
	24:  {88, 45, ctrl},
	25:  {89, 21, ctrl},
	26:  {90, 44, ctrl},
	27:  {219, 219, ctrlShift},
	28:  {220, 220, ctrlShift},
	29:  {221, 221, ctrlShift},
	30:  {54, 54, ctrlShift},
	31:  {189, 189, ctrlShift},
	32:  {32, 32, 0},
	33:  {49, 49, shift},
	34:  {222, 222, shift},
	35:  {51, 51, shift},
	36:  {52, 52, shift},
	37:  {53, 53, shift},
	38:  {55, 55, shift},
	39:  {222, 222, 0},
	40:  {57, 57, shift},
	41:  {48, 48, shift},
	42:  {56, 56, shift},
	43:  {187, 187, shift},
	44:  {188, 188, 0},
	45:  {189, 189, shift},
	46:  {190, 190, 0},
	47:  {191, 191, 0},
	48:  {48, 48, 0},
	49:  {49, 49, 0},
	50:  {50, 3, 0},
	51:  {51, 51, 0},
	52:  {52, 52, 0},
	53:  {53, 53, 0},
	54:  {54, 54, 0},
	55:  {55, 55, 0},
	56:  {56, 56, 0},
	57:  {57, 57, 0},
	58:  {186, 186, shift},
	59:  {186, 186, 0},
	60:  {188, 188, shift},
	61:  {187, 187, shift},
	62:  {190, 190, shift},
	63:  {191, 191, shift},
	64:  {50, 3, 0},
	65:  {65, 30, shift},
	66:  {66, 48, shift},
	67:  {67, 46, shift},
	68:  {68, 32, shift},
	69:  {69, 18, shift},
	70:  {70, 33, shift},
	71:  {71, 34, shift},
	72:  {72, 35, shift},
	73:  {73, 23, shift},
	74:  {74, 36, shift},
	75:  {75, 37, shift},
	76:  {76, 38, shift},
	77:  {77, 50, shift},
	78:  {78, 49, shift},
	79:  {79, 24, shift},
	80:  {80, 25, shift},
	81:  {81, 16, shift},
	82:  {82, 19, shift},
	83:  {83, 31, shift},
	84:  {84, 20, shift},
	85:  {85, 22, shift},
	86:  {86, 47, shift},
	87:  {87, 17, shift},
	88:  {88, 45, shift},
	89:  {89, 21, shift},
	90:  {90, 44, shift},
	91:  {219, 219, 0},
	92:  {220, 220, 0},
	93:  {221, 221, 0},
	94:  {54, 54, shift},
	95:  {189, 189, shift},
	96:  {192, 192, 0},
	97:  {65, 30, 0},
	98:  {66, 48, 0},
	99:  {67, 46, 0},
	100: {68, 32, 0},
	101: {69, 18, 0},
	102: {70, 33, 0},
	103: {71, 34, 0},
	104: {72, 35, 0},
	105: {73, 23, 0},
	106: {74, 36, 0},
	107: {75, 37, 0},
	108: {76, 38, 0},
	109: {77, 50, 0},
	110: {78, 49, 0},
	111: {79, 24, 0},
	112: {80, 25, 0},
	113: {81, 16, 0},
	114: {82, 19, 0},
	115: {83, 31, 0},
	116: {84, 20, 0},
	117: {85, 22, 0},
	118: {86, 47, 0},
	119: {87, 17, 0},
	120: {88, 45, 0},
	121: {89, 21, 0},
	122: {90, 44, 0},
	123: {219, 219, shift},
	124: {220, 220, shift},
	125: {221, 221, shift},
	126: {192, 192, shift},
	127: {VKDelete, 83, 0},
}

// Modifier keys, for callers that want to synthesize explicit presses.
var (
	ControlKey = Key{17, 29, 0}
	LShiftKey  = Key{16, 42, 0}
	RShiftKey  = Key{16, 54, 0}
	AltKey     = Key{18, 56, 0}
)

// FunctionKey names a navigation or function key.
type FunctionKey int

const (
	KeyUp FunctionKey = iota
	KeyDown
	KeyRight
	KeyLeft
	KeyEnd
	KeyHome
	KeyPageUp
	KeyPageDown
	KeyInsert
	KeyDelete
	KeySelect
	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12
	KeyF13
	KeyF14
	KeyF15
	KeyF16
	KeyF17
	KeyF18
	KeyF19
	KeyF20
	// WinResize is the terminal resize report. It has no physical key.
	WinResize
)

var functionKeys = [...]Key{
	KeyUp:       {VKUp, 72, 0},
	KeyDown:     {VKDown, 80, 0},
	KeyRight:    {VKRight, 77, 0},
	KeyLeft:     {VKLeft, 75, 0},
	KeyEnd:      {VKEnd, 79, 0},
	KeyHome:     {VKHome, 71, 0},
	KeyPageUp:   {VKPrior, 73, 0},
	KeyPageDown: {VKNext, 81, 0},
	KeyInsert:   {VKInsert, 82, 0},
	KeyDelete:   {VKDelete, 83, 0},
	KeySelect:   {VKSelect, 0, 0},
	KeyF1:       {VKF1, 59, 0},
	KeyF2:       {VKF1 + 1, 60, 0},
	KeyF3:       {VKF1 + 2, 61, 0},
	KeyF4:       {VKF1 + 3, 62, 0},
	KeyF5:       {VKF1 + 4, 63, 0},
	KeyF6:       {VKF1 + 5, 64, 0},
	KeyF7:       {VKF1 + 6, 65, 0},
	KeyF8:       {VKF1 + 7, 66, 0},
	KeyF9:       {VKF1 + 8, 67, 0},
	KeyF10:      {VKF1 + 9, 68, 0},
	KeyF11:      {VKF1 + 10, 87, 0},
	KeyF12:      {VKF1 + 11, 88, 0},
	KeyF13:      {VKF1 + 12, 0, 0},
	KeyF14:      {VKF1 + 13, 0, 0},
	KeyF15:      {VKF1 + 14, 0, 0},
	KeyF16:      {VKF1 + 15, 0, 0},
	KeyF17:      {VKF1 + 16, 0, 0},
	KeyF18:      {VKF1 + 17, 0, 0},
	KeyF19:      {VKF1 + 18, 0, 0},
	KeyF20:      {VKF1 + 19, 0, 0},
}

type escape struct {
	seq string
	key FunctionKey
}

// escapes lists the VT220/xterm input sequences. Order matters only for
// reverse lookup: the first sequence for a key is the canonical one.
var escapes = []escape{
	{"\x1b[A", KeyUp},
	{"\x1b[B", KeyDown},
	{"\x1b[C", KeyRight},
	{"\x1b[D", KeyLeft},
	{"\x1b[F", KeyEnd},
	{"\x1b[H", KeyHome},
	{"\x1b[2~", KeyInsert},
	{"\x1b[3~", KeyDelete},
	{"\x1b[4~", KeySelect},
	{"\x1b[5~", KeyPageUp},
	{"\x1b[6~", KeyPageDown},
	{"\x1bOP", KeyF1},
	{"\x1bOQ", KeyF2},
	{"\x1bOR", KeyF3},
	{"\x1bOS", KeyF4},
	{"\x1b[11~", KeyF1},
	{"\x1b[12~", KeyF2},
	{"\x1b[13~", KeyF3},
	{"\x1b[14~", KeyF4},
	{"\x1b[15~", KeyF5},
	{"\x1b[17~", KeyF6},
	{"\x1b[18~", KeyF7},
	{"\x1b[19~", KeyF8},
	{"\x1b[20~", KeyF9},
	{"\x1b[21~", KeyF10},
	{"\x1b[23~", KeyF11},
	{"\x1b[24~", KeyF12},
	{"\x1b[25~", KeyF13},
	{"\x1b[26~", KeyF14},
	{"\x1b[28~", KeyF15},
	{"\x1b[29~", KeyF16},
	{"\x1b[31~", KeyF17},
	{"\x1b[32~", KeyF18},
	{"\x1b[33~", KeyF19},
	{"\x1b[34~", KeyF20},
	{"\x1b[39~", WinResize},
}

var functionKeyNames = map[string]FunctionKey{
	"up": KeyUp, "down": KeyDown, "right": KeyRight, "left": KeyLeft,
	"end": KeyEnd, "home": KeyHome, "pageup": KeyPageUp, "pagedown": KeyPageDown,
	"insert": KeyInsert, "delete": KeyDelete, "select": KeySelect,
	"f1": KeyF1, "f2": KeyF2, "f3": KeyF3, "f4": KeyF4, "f5": KeyF5,
	"f6": KeyF6, "f7": KeyF7, "f8": KeyF8, "f9": KeyF9, "f10": KeyF10,
	"f11": KeyF11, "f12": KeyF12, "f13": KeyF13, "f14": KeyF14, "f15": KeyF15,
	"f16": KeyF16, "f17": KeyF17, "f18": KeyF18, "f19": KeyF19, "f20": KeyF20,
}
