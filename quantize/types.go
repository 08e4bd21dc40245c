// types.go - Quantisierungsformate, Gewichtstypen und Optionen
// QuantFormat und QuantType implementieren pflag.Value, ungueltige Werte
// scheitern damit schon beim Parsen der Flags
package quantize

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ultrasharp/ultrasharp/onnx"
)

var (
	ErrOpsetTooOld    = errors.New("quantize: opset version too old")
	ErrUnknownFormat  = errors.New("quantize: unknown quant format")
	ErrUnknownType    = errors.New("quantize: unknown weight type")
	ErrNothingToQuant = errors.New("quantize: no weights eligible for quantization")
)

// MinOpset ist die kleinste Opset-Version mit DequantizeLinear
const MinOpset = 10

// ============================================================================
// QuantFormat
// ============================================================================

// QuantFormat bestimmt die Darstellung quantisierter Gewichte im Graphen
type QuantFormat int

const (
	// QDQ speichert int-Gewichte gefolgt von DequantizeLinear
	QDQ QuantFormat = iota
	// QOperator ersetzt Knoten durch ConvInteger/MatMulInteger Varianten
	QOperator
)

func (f QuantFormat) String() string {
	switch f {
	case QDQ:
		return "QDQ"
	case QOperator:
		return "QOperator"
	default:
		return fmt.Sprintf("QuantFormat(%d)", int(f))
	}
}

// ParseQuantFormat akzeptiert "QDQ" und "QOperator" ohne Beachtung der Gross-/Kleinschreibung
func ParseQuantFormat(s string) (QuantFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "qdq":
		return QDQ, nil
	case "qoperator":
		return QOperator, nil
	default:
		return 0, fmt.Errorf("%w %q (expected QDQ or QOperator)", ErrUnknownFormat, s)
	}
}

func (f *QuantFormat) Set(s string) error {
	v, err := ParseQuantFormat(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func (f *QuantFormat) Type() string {
	return "format"
}

// ============================================================================
// QuantType
// ============================================================================

// QuantType ist der Ziel-Datentyp der Gewichte
type QuantType int

const (
	// QInt8 ist symmetrisch mit Nullpunkt 0
	QInt8 QuantType = iota
	// QUInt8 ist asymmetrisch
	QUInt8
)

func (t QuantType) String() string {
	switch t {
	case QInt8:
		return "QInt8"
	case QUInt8:
		return "QUInt8"
	default:
		return fmt.Sprintf("QuantType(%d)", int(t))
	}
}

// ParseQuantType akzeptiert "QInt8" und "QUInt8" ohne Beachtung der Gross-/Kleinschreibung
func ParseQuantType(s string) (QuantType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "qint8", "int8":
		return QInt8, nil
	case "quint8", "uint8":
		return QUInt8, nil
	default:
		return 0, fmt.Errorf("%w %q (expected QInt8 or QUInt8)", ErrUnknownType, s)
	}
}

func (t *QuantType) Set(s string) error {
	v, err := ParseQuantType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t *QuantType) Type() string {
	return "type"
}

// DataType gibt den ONNX Element-Typ zurueck
func (t QuantType) DataType() onnx.DataType {
	if t == QUInt8 {
		return onnx.Uint8
	}
	return onnx.Int8
}

// Range gibt den darstellbaren Wertebereich zurueck (QInt8 symmetrisch ohne -128)
func (t QuantType) Range() (qmin, qmax float64) {
	if t == QUInt8 {
		return 0, 255
	}
	return -127, 127
}

// Bool ist ein bool-Flag das immer einen Wert verlangt. Damit funktioniert
// auch "--per_channel False" (mit Leerzeichen) wie bei argparse.
type Bool bool

func (b *Bool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*b = Bool(v)
	return nil
}

func (b *Bool) String() string {
	return strconv.FormatBool(bool(*b))
}

// Type ist "bool", damit FlagSet.GetBool den Wert lesen kann
func (b *Bool) Type() string {
	return "bool"
}

// ============================================================================
// Options
// ============================================================================

// Options steuert einen Quantisierungslauf
type Options struct {
	Format         QuantFormat
	WeightType     QuantType
	PerChannel     bool
	OpTypes        []string
	NodesToExclude []string
}

// DefaultOpTypes sind die Operatoren deren Gewichte quantisiert werden
var DefaultOpTypes = []string{"Conv", "MatMul", "Gather"}

// DefaultOptions liefert QDQ mit QInt8 Gewichten pro Tensor
func DefaultOptions() Options {
	return Options{
		Format:     QDQ,
		WeightType: QInt8,
		OpTypes:    slices.Clone(DefaultOpTypes),
	}
}

func (o Options) wants(n *onnx.Node) bool {
	return slices.Contains(o.OpTypes, n.OpType) && !slices.Contains(o.NodesToExclude, n.Name)
}
