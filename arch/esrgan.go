// MODUL: arch/esrgan
// ZWECK: ESRGAN / RRDBNet (z.B. 4x-UltraSharp, RealESRGAN_x4plus)
// INPUT: State-Dict im alten (model.N.sub...) oder neuen (conv_first, body...) Layout
// OUTPUT: Model
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: checkpoint
// HINWEISE: Alte Schluessel werden auf das basicsr-Layout umbenannt,
//           Pixel-Unshuffle Varianten (in_nc = 4*out_nc) werden abgelehnt

package arch

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ultrasharp/ultrasharp/checkpoint"
)

const (
	esrganSlope    = 0.2
	esrganResidual = 0.2
)

// esrganReplacer vereinheitlicht die aelteren basicsr-Namen
var esrganReplacer = strings.NewReplacer(
	"RRDB_trunk.", "body.",
	"trunk_conv.", "conv_body.",
	"upconv1.", "conv_up1.",
	"upconv2.", "conv_up2.",
	"HRconv.", "conv_hr.",
	".RDB1.", ".rdb1.",
	".RDB2.", ".rdb2.",
	".RDB3.", ".rdb3.",
)

var (
	reOldTop   = regexp.MustCompile(`^model\.(\d+)\.(weight|bias)$`)
	reOldBlock = regexp.MustCompile(`^model\.1\.sub\.(\d+)\.RDB(\d)\.conv(\d)\.0\.(weight|bias)$`)
	reOldTrunk = regexp.MustCompile(`^model\.1\.sub\.(\d+)\.(weight|bias)$`)
)

// normalizeESRGAN bildet alle bekannten Layouts auf das basicsr-Layout ab
func normalizeESRGAN(sd *checkpoint.StateDict) *checkpoint.StateDict {
	if _, ok := sd.Get("model.0.weight"); !ok {
		return sd.Rename(esrganReplacer.Replace)
	}

	// Alte ESRGAN-Architektur: model.0 conv_first, model.1 Shortcut(RRDBs + trunk),
	// danach Upsample/Conv/LReLU Sequenzen, conv_hr und conv_last
	var top []int
	for _, k := range sd.Keys() {
		if m := reOldTop.FindStringSubmatch(k); m != nil && m[2] == "weight" {
			i, _ := strconv.Atoi(m[1])
			if i > 1 {
				top = append(top, i)
			}
		}
	}
	slices.Sort(top)

	names := map[int]string{0: "conv_first"}
	if n := len(top); n >= 2 {
		for k, i := range top[:n-2] {
			names[i] = fmt.Sprintf("conv_up%d", k+1)
		}
		names[top[n-2]] = "conv_hr"
		names[top[n-1]] = "conv_last"
	}

	return sd.Rename(func(k string) string {
		if m := reOldBlock.FindStringSubmatch(k); m != nil {
			return fmt.Sprintf("body.%s.rdb%s.conv%s.%s", m[1], m[2], m[3], m[4])
		}
		if m := reOldTrunk.FindStringSubmatch(k); m != nil {
			return "conv_body." + m[2]
		}
		if m := reOldTop.FindStringSubmatch(k); m != nil {
			i, _ := strconv.Atoi(m[1])
			if name, ok := names[i]; ok {
				return name + "." + m[2]
			}
		}
		return k
	})
}

func detectESRGAN(sd *checkpoint.StateDict) bool {
	norm := normalizeESRGAN(sd)
	_, first := norm.Get("conv_first.weight")
	_, block := norm.Get("body.0.rdb1.conv1.weight")
	return first && block
}

type esrgan struct {
	sd        *checkpoint.StateDict
	inCh      int
	outCh     int
	numFeat   int
	numBlock  int
	numGrowCh int
	numUp     int
}

func newESRGAN(raw *checkpoint.StateDict) (Model, error) {
	sd := normalizeESRGAN(raw)
	m := &esrgan{sd: sd}

	first, err := requireShape(sd, "conv_first.weight", 4)
	if err != nil {
		return nil, fmt.Errorf("esrgan: %w", err)
	}
	m.numFeat, m.inCh = first[0], first[1]

	for {
		if _, ok := sd.Get(fmt.Sprintf("body.%d.rdb1.conv1.weight", m.numBlock)); !ok {
			break
		}
		m.numBlock++
	}
	if m.numBlock == 0 {
		return nil, fmt.Errorf("esrgan: no RRDB blocks found")
	}

	grow, err := requireShape(sd, "body.0.rdb1.conv1.weight", 4)
	if err != nil {
		return nil, fmt.Errorf("esrgan: %w", err)
	}
	m.numGrowCh = grow[0]

	for {
		if _, ok := sd.Get(fmt.Sprintf("conv_up%d.weight", m.numUp+1)); !ok {
			break
		}
		m.numUp++
	}

	for i := range m.numBlock {
		for k := 1; k <= 3; k++ {
			for j := 1; j <= 5; j++ {
				if _, err := requireShape(sd, fmt.Sprintf("body.%d.rdb%d.conv%d.weight", i, k, j), 4); err != nil {
					return nil, fmt.Errorf("esrgan: %w", err)
				}
			}
		}
	}
	for _, name := range []string{"conv_body", "conv_hr"} {
		if _, err := requireShape(sd, name+".weight", 4); err != nil {
			return nil, fmt.Errorf("esrgan: %w", err)
		}
	}

	last, err := requireShape(sd, "conv_last.weight", 4)
	if err != nil {
		return nil, fmt.Errorf("esrgan: %w", err)
	}
	m.outCh = last[0]

	if m.inCh == 4*m.outCh || m.inCh == 16*m.outCh {
		return nil, fmt.Errorf("esrgan: pixel-unshuffle variant (in_nc=%d, out_nc=%d) not supported", m.inCh, m.outCh)
	}

	return m, nil
}

func (m *esrgan) Name() string                     { return "ESRGAN" }
func (m *esrgan) Scale() int                       { return 1 << m.numUp }
func (m *esrgan) InChannels() int                  { return m.inCh }
func (m *esrgan) OutChannels() int                 { return m.outCh }
func (m *esrgan) StateDict() *checkpoint.StateDict { return m.sd }

func (m *esrgan) Hyperparameters() []string {
	return []string{
		fmt.Sprintf("scale=%d", m.Scale()),
		fmt.Sprintf("in_nc=%d", m.inCh),
		fmt.Sprintf("out_nc=%d", m.outCh),
		fmt.Sprintf("num_feat=%d", m.numFeat),
		fmt.Sprintf("num_block=%d", m.numBlock),
		fmt.Sprintf("num_grow_ch=%d", m.numGrowCh),
	}
}

func (m *esrgan) Layers() []Layer {
	layers := []Layer{layerOf(m.sd, "conv_first", "Conv2d", "weight")}
	for i := range m.numBlock {
		for k := 1; k <= 3; k++ {
			for j := 1; j <= 5; j++ {
				layers = append(layers, layerOf(m.sd, fmt.Sprintf("body.%d.rdb%d.conv%d", i, k, j), "Conv2d", "weight"))
			}
		}
	}
	layers = append(layers, layerOf(m.sd, "conv_body", "Conv2d", "weight"))
	for k := 1; k <= m.numUp; k++ {
		layers = append(layers, layerOf(m.sd, fmt.Sprintf("conv_up%d", k), "Conv2d", "weight"))
	}
	return append(layers,
		layerOf(m.sd, "conv_hr", "Conv2d", "weight"),
		layerOf(m.sd, "conv_last", "Conv2d", "weight"),
	)
}

// bias gibt den Bias-Namen zurueck oder "" wenn die Schicht keinen hat
func (m *esrgan) bias(layer string) string {
	if _, ok := m.sd.Get(layer + ".bias"); ok {
		return layer + ".bias"
	}
	return ""
}

func (m *esrgan) conv(t Tracer, layer string, x Value) (Value, error) {
	return t.Conv("/"+strings.ReplaceAll(layer, ".", "/"), x, layer+".weight", m.bias(layer), 1, 1)
}

func (m *esrgan) Trace(t Tracer, x Value) (Value, error) {
	feat, err := m.conv(t, "conv_first", x)
	if err != nil {
		return Value{}, err
	}

	body := feat
	for i := range m.numBlock {
		if body, err = m.rrdb(t, i, body); err != nil {
			return Value{}, err
		}
	}
	if body, err = m.conv(t, "conv_body", body); err != nil {
		return Value{}, err
	}
	if feat, err = t.Add("/Add", feat, body); err != nil {
		return Value{}, err
	}

	for k := 1; k <= m.numUp; k++ {
		layer := fmt.Sprintf("conv_up%d", k)
		if feat, err = t.UpsampleNearest("/"+layer+"/Resize", feat, 2); err != nil {
			return Value{}, err
		}
		if feat, err = m.conv(t, layer, feat); err != nil {
			return Value{}, err
		}
		if feat, err = t.LeakyRelu("/"+layer+"/LeakyRelu", feat, esrganSlope); err != nil {
			return Value{}, err
		}
	}

	if feat, err = m.conv(t, "conv_hr", feat); err != nil {
		return Value{}, err
	}
	if feat, err = t.LeakyRelu("/conv_hr/LeakyRelu", feat, esrganSlope); err != nil {
		return Value{}, err
	}
	return m.conv(t, "conv_last", feat)
}

// rrdb: drei Residual Dense Blocks mit skaliertem Residual
func (m *esrgan) rrdb(t Tracer, i int, x Value) (Value, error) {
	scope := fmt.Sprintf("/body/%d", i)

	out := x
	var err error
	for k := 1; k <= 3; k++ {
		if out, err = m.rdb(t, fmt.Sprintf("body.%d.rdb%d", i, k), out); err != nil {
			return Value{}, err
		}
	}

	scaled, err := t.MulScalar(scope+"/Mul", out, esrganResidual)
	if err != nil {
		return Value{}, err
	}
	return t.Add(scope+"/Add", scaled, x)
}

// rdb: fuenf dicht verbundene Convs, x5 * 0.2 + x
func (m *esrgan) rdb(t Tracer, prefix string, x Value) (Value, error) {
	scope := "/" + strings.ReplaceAll(prefix, ".", "/")
	feats := []Value{x}

	for j := 1; j <= 5; j++ {
		in := x
		if j > 1 {
			var err error
			if in, err = t.Concat(fmt.Sprintf("%s/Concat_%d", scope, j-1), 1, feats...); err != nil {
				return Value{}, err
			}
		}

		out, err := m.conv(t, fmt.Sprintf("%s.conv%d", prefix, j), in)
		if err != nil {
			return Value{}, err
		}

		if j < 5 {
			if out, err = t.LeakyRelu(fmt.Sprintf("%s/conv%d/LeakyRelu", scope, j), out, esrganSlope); err != nil {
				return Value{}, err
			}
			feats = append(feats, out)
			continue
		}

		scaled, err := t.MulScalar(scope+"/Mul", out, esrganResidual)
		if err != nil {
			return Value{}, err
		}
		return t.Add(scope+"/Add", scaled, x)
	}

	panic("unreachable")
}
