package metadata

import "fmt"

// アビリティで使うピクセルフォーマット
const (
	FormatRGBA8888 int32 = iota + 1
	FormatYCbCr420888
	FormatYCrCb420SP
	FormatJPEG
)

// FormatName はフォーマットの表示名を返す
func FormatName(format int32) string {
	switch format {
	case FormatRGBA8888:
		return "RGBA_8888"
	case FormatYCbCr420888:
		return "YCBCR_420_888"
	case FormatYCrCb420SP:
		return "YCRCB_420_SP"
	case FormatJPEG:
		return "JPEG"
	default:
		return fmt.Sprintf("FORMAT_%d", format)
	}
}

// ParseFormat は表示名からフォーマットを返す
func ParseFormat(name string) (int32, bool) {
	for f := FormatRGBA8888; f <= FormatJPEG; f++ {
		if FormatName(f) == name {
			return f, true
		}
	}
	return 0, false
}

// StreamConfiguration はアビリティが公開する (format, width, height) の組
type StreamConfiguration struct {
	Format int32 `yaml:"format" json:"format"`
	Width  int32 `yaml:"width" json:"width"`
	Height int32 `yaml:"height" json:"height"`
}

const basicConfigurationUnit = 3

// AddBasicConfigurations はストリーム構成の一覧をアビリティに追加する
func AddBasicConfigurations(b *Buffer, configs []StreamConfiguration) error {
	values := make([]int32, 0, len(configs)*basicConfigurationUnit)
	for _, c := range configs {
		values = append(values, c.Format, c.Width, c.Height)
	}
	return b.AddEntry(TagAbilityStreamAvailableBasicConfigurations, values)
}

// BasicConfigurations はアビリティが公開するストリーム構成の一覧を返す
func BasicConfigurations(b *Buffer) ([]StreamConfiguration, error) {
	e, err := b.FindEntry(TagAbilityStreamAvailableBasicConfigurations)
	if err != nil {
		return nil, err
	}
	values, err := e.Int32s()
	if err != nil {
		return nil, err
	}
	if len(values)%basicConfigurationUnit != 0 {
		return nil, fmt.Errorf("ストリーム構成の要素数 %d が3の倍数ではありません: %w", len(values), ErrMalformed)
	}

	configs := make([]StreamConfiguration, 0, len(values)/basicConfigurationUnit)
	for i := 0; i < len(values); i += basicConfigurationUnit {
		configs = append(configs, StreamConfiguration{
			Format: values[i],
			Width:  values[i+1],
			Height: values[i+2],
		})
	}
	return configs, nil
}

// SupportsConfiguration はアビリティが指定の構成を公開しているかを返す
func SupportsConfiguration(b *Buffer, want StreamConfiguration) bool {
	configs, err := BasicConfigurations(b)
	if err != nil {
		return false
	}
	for _, c := range configs {
		if c == want {
			return true
		}
	}
	return false
}
