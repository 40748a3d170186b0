package autoria

import (
	"autoria-ingest/models"
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	vinLength = 17

	// maxOdometerKm discards obviously broken mileage values.
	maxOdometerKm = 1_000_000
	metersPerKm   = 1000
	metersPerMile = 1609.344
)

var (
	digitsRe      = regexp.MustCompile(`\d+`)
	nonDigitRe    = regexp.MustCompile(`\D`)
	thousandsKmRe = regexp.MustCompile(`(?i)(\d+)\s*тис\.?\s*км`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// SearchPage is what a search result page yields.
type SearchPage struct {
	URLs []string
	// NoMoreResults is set when the page itself says it is the last one.
	NoMoreResults bool
}

// Detail is what a listing page yields. PhoneLookupURL is set when the page
// carries the coordinates needed to resolve the seller's phone number.
type Detail struct {
	Record         models.Record
	PhoneLookupURL string
}

// Extractor maps fetched HTML to listing URLs or records. It holds no state
// besides the catalog base URL and is safe for concurrent use.
type Extractor struct {
	base *url.URL
}

func NewExtractor(baseURL string) (*Extractor, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	return &Extractor{base: u}, nil
}

// ExtractSearchPage lists the detail links of a result page. A page with
// neither a result container, listing cards nor an empty-result marker is
// not a search page and yields a ParseError.
func (e *Extractor) ExtractSearchPage(pageURL string, body []byte) (SearchPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return SearchPage{}, &ParseError{URL: pageURL, Reason: err.Error()}
	}

	tickets := doc.Find("section.ticket-item")
	container := doc.Find("#searchResults, .search-results")
	empty := doc.Find(".empty-result, #emptyResults, [data-empty-results]")

	if tickets.Length() == 0 && container.Length() == 0 && empty.Length() == 0 {
		return SearchPage{}, &ParseError{URL: pageURL, Reason: "no search result markers"}
	}

	var page SearchPage
	seen := make(map[string]bool)
	tickets.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find("a.m-link-ticket").First().Attr("href")
		if !ok {
			href, ok = s.Find("a.address").First().Attr("href")
		}
		if !ok {
			return
		}
		abs := e.absolute(href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		page.URLs = append(page.URLs, abs)
	})

	page.NoMoreResults = empty.Length() > 0 || lastPagerPage(doc)
	return page, nil
}

// lastPagerPage reports a pager without a next link. Pages without a pager
// say nothing about the end of results.
func lastPagerPage(doc *goquery.Document) bool {
	pager := doc.Find("#pagination, .pagination")
	if pager.Length() == 0 {
		return false
	}
	next := pager.Find("a.js-next, a[rel='next'], .page-item.next a")
	return next.Length() == 0 || next.HasClass("disabled")
}

// ExtractRecord builds a Record from a listing page. Structured data
// (ld+json) is preferred; CSS selectors fill whatever is still missing.
// Every field except the URL may end up nil.
func (e *Extractor) ExtractRecord(listingURL string, body []byte) (Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Detail{}, &ParseError{URL: listingURL, Reason: err.Error()}
	}

	rec := models.Record{URL: listingURL}
	foundLD := applyLinkedData(doc, &rec)

	title := text(doc.Find("h1.head, h1[class*='head'], h1").First())
	if !foundLD && title == "" {
		return Detail{}, &ParseError{URL: listingURL, Reason: "no listing markers (ld+json or heading)"}
	}

	if rec.Title == nil && title != "" {
		rec.Title = &title
	}
	e.applySelectors(doc, &rec)
	applyCharacteristics(doc, &rec)

	return Detail{Record: rec, PhoneLookupURL: e.phoneLookupURL(doc)}, nil
}

type linkedData map[string]any

func applyLinkedData(doc *goquery.Document, rec *models.Record) bool {
	found := false
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var ld linkedData
		if err := json.Unmarshal([]byte(s.Text()), &ld); err != nil {
			return
		}
		found = true

		if rec.Title == nil {
			rec.Title = ld.str("name")
		}
		if rec.PriceUSD == nil {
			rec.PriceUSD = ld.offerPrice()
		}
		if rec.ImageURL == nil {
			rec.ImageURL = ld.firstImage()
		}
		if rec.VIN == nil {
			rec.VIN = validVIN(ld.str("vehicleIdentificationNumber"))
		}
		if rec.OdometerMeters == nil {
			rec.OdometerMeters = ld.mileageMeters()
		}
		if rec.FuelType == nil {
			rec.FuelType = ld.str("fuelType")
		}
		if rec.Transmission == nil {
			rec.Transmission = ld.str("vehicleTransmission")
		}
		if rec.DriveType == nil {
			rec.DriveType = ld.str("driveWheelConfiguration")
		}
		if rec.EngineVolume == nil {
			rec.EngineVolume = ld.engineVolume()
		}
	})
	return found
}

func (ld linkedData) str(key string) *string {
	switch v := ld[key].(type) {
	case string:
		return nonEmpty(v)
	case float64:
		return nonEmpty(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return nil
}

func (ld linkedData) offerPrice() *int64 {
	offers := ld["offers"]
	if list, ok := offers.([]any); ok {
		if len(list) == 0 {
			return nil
		}
		offers = list[0]
	}
	m, ok := offers.(map[string]any)
	if !ok {
		return nil
	}
	if cur, ok := m["priceCurrency"].(string); ok && cur != "" && !strings.EqualFold(cur, "USD") {
		return nil
	}
	return nonNegative(toFloat(m["price"]))
}

func (ld linkedData) firstImage() *string {
	switch v := ld["image"].(type) {
	case string:
		return nonEmpty(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				return &s
			}
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["url"].(string); ok && s != "" {
					return &s
				}
			}
		}
	case map[string]any:
		if s, ok := v["url"].(string); ok {
			return nonEmpty(s)
		}
	}
	return nil
}

func (ld linkedData) mileageMeters() *int64 {
	m, ok := ld["mileageFromOdometer"].(map[string]any)
	if !ok {
		return nil
	}
	value, ok := toFloat(m["value"])
	if !ok || value <= 0 {
		return nil
	}
	unit, _ := m["unitCode"].(string)
	unit = strings.ToLower(unit)

	km := value
	switch {
	case strings.Contains(unit, "тис"):
		km = value * 1000
	case unit == "smi" || strings.Contains(unit, "mile"):
		return boundedMeters(value * metersPerMile / metersPerKm)
	}
	return boundedMeters(km)
}

func (ld linkedData) engineVolume() *string {
	if s := ld.str("engineDisplacement"); s != nil {
		return s
	}
	eng, ok := ld["vehicleEngine"].(map[string]any)
	if !ok {
		return nil
	}
	switch v := eng["engineDisplacement"].(type) {
	case string:
		return nonEmpty(v)
	case map[string]any:
		if f, ok := toFloat(v["value"]); ok {
			s := strconv.FormatFloat(f, 'f', -1, 64)
			if unit, ok := v["unitCode"].(string); ok && unit != "" {
				s += " " + unit
			}
			return &s
		}
	}
	return nil
}

func (e *Extractor) applySelectors(doc *goquery.Document, rec *models.Record) {
	if rec.PriceUSD == nil {
		el := doc.Find("[data-currency='USD']").First()
		if el.Length() == 0 {
			el = doc.Find(".price_value strong, .price-ticket__usd").First()
		}
		rec.PriceUSD = firstInt(text(el))
	}

	if rec.OdometerMeters == nil {
		if m := thousandsKmRe.FindStringSubmatch(doc.Find("body").Text()); m != nil {
			if km, err := strconv.ParseFloat(m[1], 64); err == nil {
				rec.OdometerMeters = boundedMeters(km * 1000)
			}
		}
	}

	if rec.SellerName == nil {
		rec.SellerName = nonEmpty(text(doc.Find(".seller_info_name, .seller-info__name").First()))
	}

	if rec.ImageURL == nil {
		img := doc.Find(".photo-620x465 img, .gallery-order__item img").First()
		src, ok := img.Attr("src")
		if !ok || src == "" {
			src, _ = img.Attr("data-src")
		}
		if src != "" {
			abs := e.absolute(src)
			rec.ImageURL = nonEmpty(abs)
		}
	}

	if rec.ImagesCount == nil {
		el := doc.Find(".photo-count, [data-photo-count]").First()
		if v, ok := el.Attr("data-photo-count"); ok {
			rec.ImagesCount = firstInt(v)
		} else {
			rec.ImagesCount = firstInt(text(el))
		}
	}

	if rec.PlateNumber == nil {
		plate := doc.Find(".state-num, .auto-number").First().Clone()
		plate.Children().Remove()
		rec.PlateNumber = nonEmpty(text(plate))
	}

	if rec.VIN == nil {
		el := doc.Find(".label-vin, [data-vin], .vin-code").First()
		v, ok := el.Attr("data-vin")
		if !ok {
			v = text(el)
		}
		rec.VIN = validVIN(&v)
	}
}

// applyCharacteristics reads the technical table under #details, matching
// labels by substring since the site renders them in Ukrainian.
func applyCharacteristics(doc *goquery.Document, rec *models.Record) {
	details := doc.Find("#details")
	if details.Length() == 0 {
		return
	}
	specs := make(map[string]string)
	details.Find(".technical-info__item, .car-characteristics__item, dd").Each(func(_ int, item *goquery.Selection) {
		label := strings.ToLower(text(item.Find(".label, dt, .key").First()))
		value := text(item.Find(".argument, .value").First())
		if label != "" && value != "" {
			specs[label] = value
		}
	})

	lookup := func(keys ...string) *string {
		for _, k := range keys {
			for label, v := range specs {
				if strings.Contains(label, k) {
					return nonEmpty(v)
				}
			}
		}
		return nil
	}

	if rec.FuelType == nil {
		rec.FuelType = lookup("пальн", "паливо", "fuel")
	}
	if rec.Transmission == nil {
		rec.Transmission = lookup("коробка", "кпп", "transmission")
	}
	if rec.EngineVolume == nil {
		rec.EngineVolume = lookup("двигун", "об'єм", "engine")
	}
	if rec.DriveType == nil {
		rec.DriveType = lookup("привід", "drive")
	}
}

// phoneLookupURL builds the phone endpoint URL from the data attributes of
// the "show phone" button.
func (e *Extractor) phoneLookupURL(doc *goquery.Document) string {
	btn := doc.Find("[data-hash], [data-phone-hash]").First()
	if btn.Length() == 0 {
		return ""
	}
	id := attr(btn, "data-car-id", "data-id")
	hash := attr(btn, "data-hash", "data-phone-hash")
	if id == "" || hash == "" {
		return ""
	}

	u := *e.base
	u.Path = "/users/phones/" + url.PathEscape(id)
	q := url.Values{}
	q.Set("hash", hash)
	if exp := attr(btn, "data-expires"); exp != "" {
		q.Set("expires", exp)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type phoneResponse struct {
	Phones []struct {
		PhoneFormatted string `json:"phoneFormatted"`
	} `json:"phones"`
}

// ExtractPhone parses the phone endpoint's JSON body into international
// numeric form. Ukrainian national numbers (0XXXXXXXXX) get the 38 prefix.
func (e *Extractor) ExtractPhone(lookupURL string, body []byte) (int64, error) {
	var resp phoneResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &ParseError{URL: lookupURL, Reason: err.Error()}
	}
	if len(resp.Phones) == 0 {
		return 0, &ParseError{URL: lookupURL, Reason: "no phones in response"}
	}
	n, ok := NormalizePhone(resp.Phones[0].PhoneFormatted)
	if !ok {
		return 0, &ParseError{URL: lookupURL, Reason: "unparseable phone"}
	}
	return n, nil
}

func NormalizePhone(raw string) (int64, bool) {
	digits := nonDigitRe.ReplaceAllString(raw, "")
	if len(digits) == 10 && strings.HasPrefix(digits, "0") {
		digits = "38" + digits
	}
	if len(digits) < 7 || len(digits) > 15 {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (e *Extractor) absolute(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return e.base.ResolveReference(ref).String()
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s.Text(), " "))
}

func attr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// firstInt reads the first digit run after dropping spaces used as
// thousands separators ("12 500 $" → 12500).
func firstInt(s string) *int64 {
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "").Replace(s)
	m := digitsRe.FindString(s)
	if m == "" {
		return nil
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func validVIN(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.ToUpper(strings.TrimSpace(*s))
	if len(v) != vinLength {
		return nil
	}
	return &v
}

func boundedMeters(km float64) *int64 {
	if km <= 0 || km > maxOdometerKm {
		return nil
	}
	m := int64(km * metersPerKm)
	return &m
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(x), " ", ""), 64)
		return f, err == nil
	}
	return 0, false
}

func nonNegative(f float64, ok bool) *int64 {
	if !ok || f < 0 {
		return nil
	}
	n := int64(f + 0.5)
	return &n
}
