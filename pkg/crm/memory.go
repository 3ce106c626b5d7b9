package crm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/conversation"
)

// MemoryCustomerStore is a phone-indexed in-memory customer directory. It
// stands in where no external CRM is wired up.
type MemoryCustomerStore struct {
	mu        sync.RWMutex
	customers map[string]*conversation.CustomerProfile
}

func NewMemoryCustomerStore(profiles ...*conversation.CustomerProfile) *MemoryCustomerStore {
	s := &MemoryCustomerStore{customers: map[string]*conversation.CustomerProfile{}}
	for _, p := range profiles {
		s.Add(p)
	}
	return s
}

// Add indexes a profile by its normalized phone number.
func (s *MemoryCustomerStore) Add(p *conversation.CustomerProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[normalizePhone(p.Phone)] = p
}

func (s *MemoryCustomerStore) LookupByPhone(ctx context.Context, phone string) (*conversation.CustomerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.customers[normalizePhone(phone)], nil
}

// normalizePhone strips everything but digits and a leading country code of
// one, so "+1 (555) 123-4567" and "5551234567" collide.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// vinYearCodes maps VIN position 10 to a model year. The code cycle repeats
// every 30 years; this table covers the current cycle.
var vinYearCodes = map[byte]int{
	'A': 2010, 'B': 2011, 'C': 2012, 'D': 2013, 'E': 2014, 'F': 2015,
	'G': 2016, 'H': 2017, 'J': 2018, 'K': 2019, 'L': 2020, 'M': 2021,
	'N': 2022, 'P': 2023, 'R': 2024, 'S': 2025, 'T': 2026, 'V': 2027,
	'W': 2028, 'X': 2029, 'Y': 2030,
	'1': 2031, '2': 2032, '3': 2033, '4': 2034, '5': 2035,
	'6': 2036, '7': 2037, '8': 2038, '9': 2039,
}

// wmiMakes maps the first characters of the world manufacturer identifier
// to a make. Longest prefix wins.
var wmiMakes = map[string]string{
	"1HG": "Honda", "2HG": "Honda", "19X": "Honda", "JHM": "Honda",
	"1FT": "Ford", "1FA": "Ford", "1FM": "Ford", "3FA": "Ford",
	"1G1": "Chevrolet", "1GC": "Chevrolet", "2G1": "Chevrolet",
	"4T1": "Toyota", "5TD": "Toyota", "JTD": "Toyota", "JT2": "Toyota",
	"1N4": "Nissan", "JN1": "Nissan",
	"WBA": "BMW", "WBS": "BMW",
	"WDB": "Mercedes-Benz", "WDD": "Mercedes-Benz",
	"WVW": "Volkswagen", "3VW": "Volkswagen",
	"KM8": "Hyundai", "KMH": "Hyundai",
	"KND": "Kia", "KNA": "Kia",
	"JM1": "Mazda", "4S3": "Subaru", "JF1": "Subaru",
	"5YJ": "Tesla", "7SA": "Tesla",
}

// StaticVINDecoder decodes year and make offline from the VIN's structure.
// Model resolution needs a real decoder service; it is left empty here.
type StaticVINDecoder struct{}

func (StaticVINDecoder) Decode(ctx context.Context, vin string) (VehicleInfo, error) {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if len(vin) != 17 {
		return VehicleInfo{}, fmt.Errorf("vin must be 17 characters, got %d", len(vin))
	}
	if strings.ContainsAny(vin, "IOQ") {
		return VehicleInfo{}, fmt.Errorf("vin contains invalid characters")
	}

	info := VehicleInfo{VIN: vin}
	info.Year = vinYearCodes[vin[9]]
	for n := 3; n >= 1; n-- {
		if make_, ok := wmiMakes[vin[:n]]; ok {
			info.Make = make_
			break
		}
	}
	return info, nil
}
