package feed

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// regionResponse は states.json の1要素。
// 件数は文字列で届くことがあるため flexInt で受ける。
type regionResponse struct {
	Code                     string                  `json:"code"`
	Name                     string                  `json:"name"`
	StoreCount               flexInt                 `json:"store_count"`
	ProviderBrandCount       flexInt                 `json:"provider_brand_count"`
	AppointmentsLastFetched  string                  `json:"appointments_last_fetched"`
	AppointmentsLastModified string                  `json:"appointments_last_modified"`
	ProviderBrands           []providerBrandResponse `json:"provider_brands"`
}

type providerBrandResponse struct {
	ID                       flexInt    `json:"id"`
	Key                      string     `json:"key"`
	URL                      string     `json:"url"`
	Name                     string     `json:"name"`
	Status                   string     `json:"status"`
	ProviderID               flexString `json:"provider_id"`
	LocationCount            flexInt    `json:"location_count"`
	AppointmentsLastFetched  string     `json:"appointments_last_fetched"`
	AppointmentsLastModified string     `json:"appointments_last_modified"`
}

// locationCollection は states/{code}.json のGeoJSON FeatureCollection。
// features が null の場合は空として扱う。
type locationCollection struct {
	Type     string            `json:"type"`
	Features []locationFeature `json:"features"`
}

type locationFeature struct {
	Type       string             `json:"type"`
	Geometry   *pointGeometry     `json:"geometry"`
	Properties locationProperties `json:"properties"`
}

type pointGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

type locationProperties struct {
	ID                    flexString         `json:"id"`
	URL                   string             `json:"url"`
	City                  string             `json:"city"`
	Name                  string             `json:"name"`
	State                 string             `json:"state"`
	Address               string             `json:"address"`
	Provider              string             `json:"provider"`
	PostalCode            string             `json:"postal_code"`
	AppointmentsAvailable model.Availability `json:"appointments_available"`
}

// flexInt は数値・数値文字列・nullのいずれも受け付ける整数。
// 解釈できない値は0になる。
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		*f = flexInt(n)
		return nil
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		*f = flexInt(int(v))
		return nil
	}
	*f = 0
	return nil
}

// flexString は文字列・数値・nullのいずれも受け付ける文字列。
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// parseTime はRFC3339形式の時刻を解釈する。解釈できない場合はゼロ値を返す。
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (r regionResponse) toSummary() model.RegionSummary {
	s := model.RegionSummary{
		Code:                     r.Code,
		Name:                     r.Name,
		StoreCount:               int(r.StoreCount),
		ProviderBrandCount:       int(r.ProviderBrandCount),
		AppointmentsLastFetched:  parseTime(r.AppointmentsLastFetched),
		AppointmentsLastModified: parseTime(r.AppointmentsLastModified),
	}
	for _, pb := range r.ProviderBrands {
		s.ProviderBrands = append(s.ProviderBrands, model.ProviderBrand{
			ID:                       int(pb.ID),
			Key:                      pb.Key,
			URL:                      pb.URL,
			Name:                     pb.Name,
			Status:                   pb.Status,
			ProviderID:               string(pb.ProviderID),
			LocationCount:            int(pb.LocationCount),
			AppointmentsLastFetched:  parseTime(pb.AppointmentsLastFetched),
			AppointmentsLastModified: parseTime(pb.AppointmentsLastModified),
		})
	}
	return s
}

// point は [lon, lat] 形式の座標を検証して返す。
func (f locationFeature) point() (lat, lon float64, ok bool) {
	if f.Geometry == nil || len(f.Geometry.Coordinates) < 2 {
		return 0, 0, false
	}
	if f.Geometry.Type != "" && f.Geometry.Type != "Point" {
		return 0, 0, false
	}
	lon, lat = f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
	if !model.ValidCoordinate(lat, lon) {
		return 0, 0, false
	}
	return lat, lon, true
}
