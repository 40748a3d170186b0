package models

import "time"

// Record is one catalog listing as persisted. Optional fields are pointers:
// nil means the field was not observed on the page, which is different from
// an observed zero or empty value.
type Record struct {
	URL string

	Title          *string
	PriceUSD       *int64
	OdometerMeters *int64
	SellerName     *string
	PhoneNumber    *int64
	ImageURL       *string
	ImagesCount    *int64
	PlateNumber    *string
	VIN            *string

	FuelType     *string
	Transmission *string
	EngineVolume *string
	DriveType    *string

	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Merge returns r with every nil optional field filled from prior.
// Fields observed on r win. Timestamps are not touched.
func (r Record) Merge(prior Record) Record {
	r.Title = firstString(r.Title, prior.Title)
	r.PriceUSD = firstInt(r.PriceUSD, prior.PriceUSD)
	r.OdometerMeters = firstInt(r.OdometerMeters, prior.OdometerMeters)
	r.SellerName = firstString(r.SellerName, prior.SellerName)
	r.PhoneNumber = firstInt(r.PhoneNumber, prior.PhoneNumber)
	r.ImageURL = firstString(r.ImageURL, prior.ImageURL)
	r.ImagesCount = firstInt(r.ImagesCount, prior.ImagesCount)
	r.PlateNumber = firstString(r.PlateNumber, prior.PlateNumber)
	r.VIN = firstString(r.VIN, prior.VIN)
	r.FuelType = firstString(r.FuelType, prior.FuelType)
	r.Transmission = firstString(r.Transmission, prior.Transmission)
	r.EngineVolume = firstString(r.EngineVolume, prior.EngineVolume)
	r.DriveType = firstString(r.DriveType, prior.DriveType)
	return r
}

func firstString(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}

func firstInt(a, b *int64) *int64 {
	if a != nil {
		return a
	}
	return b
}

// String and Int build optional slots from literals.
func String(s string) *string { return &s }

func Int(v int64) *int64 { return &v }
