package enums

import "fmt"

// ServiceCategory classifies a billable service line item.
type ServiceCategory string

const (
	ServiceCategorySiglatura   ServiceCategory = "siglatura"
	ServiceCategoryHappyHour   ServiceCategory = "happy_hour"
	ServiceCategoryRiparazione ServiceCategory = "riparazione"
)

var validServiceCategories = []ServiceCategory{
	ServiceCategorySiglatura,
	ServiceCategoryHappyHour,
	ServiceCategoryRiparazione,
}

// String implements fmt.Stringer.
func (c ServiceCategory) String() string {
	return string(c)
}

// IsValid reports whether the value is a known ServiceCategory.
func (c ServiceCategory) IsValid() bool {
	for _, candidate := range validServiceCategories {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseServiceCategory converts raw input into a ServiceCategory.
func ParseServiceCategory(value string) (ServiceCategory, error) {
	for _, candidate := range validServiceCategories {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid service category %q", value)
}
