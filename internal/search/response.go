package search

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// PageInfo is the server's view of the result set.
type PageInfo struct {
	Number        int `json:"number"`
	TotalPages    int `json:"totalPages"`
	TotalElements int `json:"totalElements"`
}

// ExpectedPages is the page count the result set would need without the
// upstream ceiling.
func (p PageInfo) ExpectedPages() int {
	if p.TotalElements <= 0 {
		return 0
	}
	return (p.TotalElements + PageSize - 1) / PageSize
}

// PageResponse is one decoded page. A response without a page structure is
// the upstream ceiling signal, not an error.
type PageResponse struct {
	Page  PageInfo
	Items []Item

	hasPage bool
	// Status is the HTTP status the page arrived with.
	Status int
}

// HasPage reports whether the body carried data.products.page.
func (r *PageResponse) HasPage() bool { return r != nil && r.hasPage }

type envelope struct {
	Data *struct {
		Products *struct {
			Page  *PageInfo `json:"page"`
			Items []Item    `json:"items"`
		} `json:"products"`
	} `json:"data"`
}

// DecodePage decodes a response body. Malformed bodies yield a response
// with HasPage false.
func DecodePage(body []byte) *PageResponse {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &PageResponse{}
	}
	if env.Data == nil || env.Data.Products == nil || env.Data.Products.Page == nil {
		return &PageResponse{}
	}
	return &PageResponse{
		Page:    *env.Data.Products.Page,
		Items:   env.Data.Products.Items,
		hasPage: true,
	}
}

// Item is the raw search result item, limited to the fields we read.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	GenreName   string `json:"genreName"`
	SegmentName string `json:"segmentName"`

	DatesFormatted struct {
		DateTitle    string `json:"dateTitle"`
		DateSubTitle string `json:"dateSubTitle"`
	} `json:"datesFormatted"`
	Dates struct {
		LocalDate string `json:"localDate"`
		DateTBA   bool   `json:"dateTBA"`
		TimeTBA   bool   `json:"timeTBA"`
	} `json:"dates"`

	PriceRanges []map[string]any `json:"priceRanges"`
	JSONLD      *itemJSONLD      `json:"jsonLd"`
}

type itemJSONLD struct {
	Description string          `json:"description"`
	Image       json.RawMessage `json:"image"`
	Location    *struct {
		Name    string `json:"name"`
		SameAs  string `json:"sameAs"`
		Address struct {
			StreetAddress   string `json:"streetAddress"`
			AddressLocality string `json:"addressLocality"`
			AddressRegion   string `json:"addressRegion"`
			PostalCode      string `json:"postalCode"`
			AddressCountry  string `json:"addressCountry"`
		} `json:"address"`
	} `json:"location"`
	Offers    json.RawMessage `json:"offers"`
	Performer []struct {
		Name   string `json:"name"`
		SameAs string `json:"sameAs"`
	} `json:"performer"`
}

// Event is the extracted record written to a run dataset. Its JSON shape is
// shared with datasets produced by the hosted crawler.
type Event struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
	SegmentName string `json:"segmentName"`
	GenreName   string `json:"genreName"`

	DateTitle    string `json:"dateTitle"`
	DateSubTitle string `json:"dateSubTitle"`
	LocalDate    string `json:"localDate"`
	DateTBA      bool   `json:"dateTBA"`
	TimeTBA      bool   `json:"timeTBA"`

	StreetAddress   string `json:"streetAddress"`
	AddressLocality string `json:"addressLocality"`
	AddressRegion   string `json:"addressRegion"`
	PostalCode      string `json:"postalCode"`
	AddressCountry  string `json:"addressCountry"`
	PlaceURL        string `json:"placeUrl"`
	VenueName       string `json:"venueName,omitempty"`

	Offer       Offer            `json:"offer"`
	PriceRanges []map[string]any `json:"priceRanges"`
	Performers  []Performer      `json:"performers"`
}

type Offer struct {
	URL                string   `json:"offerUrl"`
	AvailabilityStarts string   `json:"availabilityStarts"`
	Price              *float64 `json:"price"`
	PriceCurrency      string   `json:"priceCurrency"`
}

type Performer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ContinuationMark is the value a later run resumes from: the local date,
// falling back to the formatted date title.
func (e Event) ContinuationMark() string {
	if e.LocalDate != "" {
		return e.LocalDate
	}
	return e.DateTitle
}

// Events extracts dataset records from raw items.
func Events(items []Item) []Event {
	events := make([]Event, 0, len(items))
	for _, it := range items {
		events = append(events, it.Event())
	}
	return events
}

// Event flattens one item.
func (it Item) Event() Event {
	ev := Event{
		ID:           it.ID,
		URL:          it.URL,
		Name:         it.Name,
		SegmentName:  it.SegmentName,
		GenreName:    it.GenreName,
		DateTitle:    it.DatesFormatted.DateTitle,
		DateSubTitle: it.DatesFormatted.DateSubTitle,
		LocalDate:    it.Dates.LocalDate,
		DateTBA:      it.Dates.DateTBA,
		TimeTBA:      it.Dates.TimeTBA,
		PriceRanges:  make([]map[string]any, 0, len(it.PriceRanges)),
		Performers:   []Performer{},
	}

	for _, r := range it.PriceRanges {
		clean := make(map[string]any, len(r))
		for k, v := range r {
			if k == "__typename" {
				continue
			}
			clean[k] = v
		}
		ev.PriceRanges = append(ev.PriceRanges, clean)
	}

	ld := it.JSONLD
	if ld == nil {
		return ev
	}
	ev.Description = ld.Description
	ev.Image = firstString(ld.Image)
	if loc := ld.Location; loc != nil {
		ev.StreetAddress = loc.Address.StreetAddress
		ev.AddressLocality = loc.Address.AddressLocality
		ev.AddressRegion = loc.Address.AddressRegion
		ev.PostalCode = loc.Address.PostalCode
		ev.AddressCountry = loc.Address.AddressCountry
		ev.PlaceURL = loc.SameAs
		ev.VenueName = loc.Name
	}
	ev.Offer = decodeOffer(ld.Offers)
	for _, p := range ld.Performer {
		ev.Performers = append(ev.Performers, Performer{Name: p.Name, URL: p.SameAs})
	}
	return ev
}

type rawOffer struct {
	URL                string          `json:"url"`
	AvailabilityStarts string          `json:"availabilityStarts"`
	Price              json.RawMessage `json:"price"`
	PriceCurrency      string          `json:"priceCurrency"`
}

// decodeOffer accepts an offer object or an array of them (first wins).
func decodeOffer(raw json.RawMessage) Offer {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Offer{}
	}

	var ro rawOffer
	if raw[0] == '[' {
		var list []rawOffer
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return Offer{}
		}
		ro = list[0]
	} else if err := json.Unmarshal(raw, &ro); err != nil {
		return Offer{}
	}

	return Offer{
		URL:                ro.URL,
		AvailabilityStarts: ro.AvailabilityStarts,
		Price:              parsePrice(ro.Price),
		PriceCurrency:      ro.PriceCurrency,
	}
}

// parsePrice handles both "1,234.50" and 1234.5.
func parsePrice(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil
		}
		return &f
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// firstString reads a JSON-LD image, which may be a string, a list of
// strings, or an ImageObject.
func firstString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil {
		for _, el := range list {
			if v := firstString(el); v != "" {
				return v
			}
		}
		return ""
	}
	var obj struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.URL
	}
	return ""
}
