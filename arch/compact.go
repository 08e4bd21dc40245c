// MODUL: arch/compact
// ZWECK: SRVGGNetCompact (realesr-general-x4v3, AnimeVideo-v3, ...)
// INPUT: State-Dict mit body.N.weight (Conv 4D, PReLU 1D)
// OUTPUT: Model
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: checkpoint
// HINWEISE: Ohne PReLU-Gewichte wird LeakyReLU(0.1) angenommen,
//           Skalierung = sqrt(out_conv / in_nc)

package arch

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"

	"github.com/ultrasharp/ultrasharp/checkpoint"
)

const compactSlope = 0.1

var reCompactBody = regexp.MustCompile(`^body\.(\d+)\.weight$`)

func detectCompact(sd *checkpoint.StateDict) bool {
	if _, ok := sd.Get("conv_first.weight"); ok {
		return false
	}
	t, ok := sd.Get("body.0.weight")
	return ok && len(t.Shape) == 4
}

type compact struct {
	sd      *checkpoint.StateDict
	convs   []int // body-Indizes der Convs
	prelus  map[int]bool
	inCh    int
	outCh   int
	numFeat int
	scale   int
}

func newCompact(sd *checkpoint.StateDict) (Model, error) {
	m := &compact{sd: sd, prelus: make(map[int]bool)}

	for _, k := range sd.Keys() {
		match := reCompactBody.FindStringSubmatch(k)
		if match == nil {
			continue
		}
		i, _ := strconv.Atoi(match[1])
		t, _ := sd.Get(k)
		switch len(t.Shape) {
		case 4:
			m.convs = append(m.convs, i)
		case 1:
			m.prelus[i] = true
		default:
			return nil, fmt.Errorf("compact: unexpected rank %d for %s", len(t.Shape), k)
		}
	}
	slices.Sort(m.convs)

	if len(m.convs) < 2 {
		return nil, fmt.Errorf("compact: need at least 2 conv layers, found %d", len(m.convs))
	}

	first, _ := sd.Get(fmt.Sprintf("body.%d.weight", m.convs[0]))
	last, _ := sd.Get(fmt.Sprintf("body.%d.weight", m.convs[len(m.convs)-1]))
	m.numFeat, m.inCh = first.Shape[0], first.Shape[1]

	// out_nc == in_nc, die letzte Conv liefert out_nc * scale^2 Kanaele
	ratio := last.Shape[0] / m.inCh
	m.scale = int(math.Round(math.Sqrt(float64(ratio))))
	if m.scale < 1 || m.scale*m.scale*m.inCh != last.Shape[0] {
		return nil, fmt.Errorf("compact: cannot derive scale from %d output channels", last.Shape[0])
	}
	m.outCh = m.inCh

	return m, nil
}

func (m *compact) Name() string                     { return "SRVGGNetCompact" }
func (m *compact) Scale() int                       { return m.scale }
func (m *compact) InChannels() int                  { return m.inCh }
func (m *compact) OutChannels() int                 { return m.outCh }
func (m *compact) StateDict() *checkpoint.StateDict { return m.sd }

func (m *compact) activation() string {
	if len(m.prelus) > 0 {
		return "prelu"
	}
	return "lrelu"
}

func (m *compact) Hyperparameters() []string {
	return []string{
		fmt.Sprintf("scale=%d", m.scale),
		fmt.Sprintf("num_in_ch=%d", m.inCh),
		fmt.Sprintf("num_out_ch=%d", m.outCh),
		fmt.Sprintf("num_feat=%d", m.numFeat),
		fmt.Sprintf("num_conv=%d", len(m.convs)-2),
		"act_type=" + m.activation(),
	}
}

func (m *compact) Layers() []Layer {
	var layers []Layer
	for _, i := range m.convs {
		layers = append(layers, layerOf(m.sd, fmt.Sprintf("body.%d", i), "Conv2d", "weight"))
		if m.prelus[i+1] {
			layers = append(layers, layerOf(m.sd, fmt.Sprintf("body.%d", i+1), "PReLU", "weight"))
		}
	}
	return append(layers, Layer{Name: "upsampler", Kind: fmt.Sprintf("PixelShuffle(%d)", m.scale)})
}

func (m *compact) Trace(t Tracer, x Value) (Value, error) {
	out := x
	var err error

	for n, i := range m.convs {
		layer := fmt.Sprintf("body.%d", i)
		bias := ""
		if _, ok := m.sd.Get(layer + ".bias"); ok {
			bias = layer + ".bias"
		}
		if out, err = t.Conv(fmt.Sprintf("/body/%d/Conv", i), out, layer+".weight", bias, 1, 1); err != nil {
			return Value{}, err
		}

		if n == len(m.convs)-1 {
			break
		}
		if m.prelus[i+1] {
			out, err = t.PRelu(fmt.Sprintf("/body/%d/PRelu", i+1), out, fmt.Sprintf("body.%d.weight", i+1))
		} else {
			out, err = t.LeakyRelu(fmt.Sprintf("/body/%d/LeakyRelu", i+1), out, compactSlope)
		}
		if err != nil {
			return Value{}, err
		}
	}

	if out, err = t.PixelShuffle("/upsampler/DepthToSpace", out, m.scale); err != nil {
		return Value{}, err
	}

	base, err := t.UpsampleNearest("/Resize", x, m.scale)
	if err != nil {
		return Value{}, err
	}
	return t.Add("/Add", out, base)
}
