// MODUL: onnx/proto
// ZWECK: ONNX Protobuf-Datenstrukturen (Teilmenge von onnx.proto)
// INPUT: keine
// OUTPUT: Model, Graph, Node, Tensor, ValueInfo, Attribute
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: keine
// HINWEISE: Nicht interpretierte Felder landen roh in "unknown" und werden
//           beim Encoden unveraendert wieder angehaengt

package onnx

// Model entspricht ModelProto
type Model struct {
	IRVersion       int64
	OpsetImport     []OperatorSetID
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
	MetadataProps   []StringStringEntry

	unknown []byte
}

// Graph entspricht GraphProto
type Graph struct {
	Name        string
	Nodes       []*Node
	Initializer []*Tensor
	DocString   string
	Inputs      []*ValueInfo
	Outputs     []*ValueInfo
	ValueInfo   []*ValueInfo

	unknown []byte
}

// Node entspricht NodeProto
type Node struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Domain     string
	Attributes []*Attribute
	DocString  string

	unknown []byte
}

// Tensor entspricht TensorProto
type Tensor struct {
	Dims         []int64
	DataType     DataType
	FloatData    []float32
	Int32Data    []int32
	Int64Data    []int64
	Name         string
	RawData      []byte
	DocString    string
	DataLocation int32 // 0 = DEFAULT, 1 = EXTERNAL

	unknown []byte
}

// ValueInfo entspricht ValueInfoProto
type ValueInfo struct {
	Name      string
	Type      *Type
	DocString string

	unknown []byte
}

// Type entspricht TypeProto (nur tensor_type wird interpretiert)
type Type struct {
	Tensor     *TensorType
	Denotation string

	unknown []byte
}

// TensorType entspricht TypeProto.Tensor
type TensorType struct {
	ElemType DataType
	Shape    *Shape

	unknown []byte
}

// Shape entspricht TensorShapeProto
type Shape struct {
	Dims []Dimension

	unknown []byte
}

// Dimension entspricht TensorShapeProto.Dimension
// DimParam != "" bedeutet symbolische (dynamische) Achse
type Dimension struct {
	DimValue   int64
	DimParam   string
	Denotation string
}

// AttributeType entspricht AttributeProto.AttributeType
type AttributeType int32

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeTensor    AttributeType = 4
	AttributeGraph     AttributeType = 5
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeStrings   AttributeType = 8
)

// Attribute entspricht AttributeProto
type Attribute struct {
	Name      string
	Type      AttributeType
	F         float32
	I         int64
	S         []byte
	T         *Tensor
	Floats    []float32
	Ints      []int64
	Strings   [][]byte
	DocString string

	unknown []byte
}

// OperatorSetID entspricht OperatorSetIdProto
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry entspricht StringStringEntryProto
type StringStringEntry struct {
	Key   string
	Value string
}
