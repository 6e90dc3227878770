package crawler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tourlytics/poipipe/internal/model"
)

var (
	cityLinkRe = regexp.MustCompile(`/travel-scenic-spot/mafengwo/(\d+)\.html`)
	poiLinkRe  = regexp.MustCompile(`/poi/(\d+)\.html`)
	listURLRe  = regexp.MustCompile(`/jd/(\d+)/gonglve`)
)

// nextPageSelectors are tried in order; the upstream has shipped several
// pagination widgets over time.
var nextPageSelectors = []string{
	"a.page-next",
	".m-pagination a.pg-next",
	"a[rel=next]",
}

// ListingsURL derives a city's POI listing page deterministically from its
// id.
func ListingsURL(baseURL, cityID string) string {
	return fmt.Sprintf("%s/jd/%s/gonglve.html", strings.TrimRight(baseURL, "/"), cityID)
}

// CityIDFromListURL recovers the city id from a listings-stage URL.
func CityIDFromListURL(url string) (string, bool) {
	m := listURLRe.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// POIIDFromURL recovers the poi id from a detail-page URL.
func POIIDFromURL(url string) (string, bool) {
	m := poiLinkRe.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractCities parses the national destinations page. Every anchor whose
// href matches the city detail pattern yields one city record.
func ExtractCities(doc *goquery.Document, baseURL string) []model.City {
	seen := make(map[string]struct{})
	var cities []model.City
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := cityLinkRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		cityID := m[1]
		if _, dup := seen[cityID]; dup {
			return
		}
		name := strings.TrimSpace(sel.Find(".title").Text())
		if name == "" {
			name = strings.TrimSpace(sel.Text())
		}
		if name == "" {
			return
		}
		seen[cityID] = struct{}{}
		cities = append(cities, model.City{
			CityID:             cityID,
			Name:               name,
			Link:               absoluteURL(baseURL, href),
			AttractionsListURL: ListingsURL(baseURL, cityID),
		})
	})
	return cities
}

// ExtractListing parses one page of a city's POI listing. It returns the
// partial POI records found on the page and the next-page URL, empty when
// pagination ends.
func ExtractListing(doc *goquery.Document, baseURL string) ([]model.POI, string) {
	seen := make(map[string]struct{})
	var pois []model.POI
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := poiLinkRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		poiID := m[1]
		if _, dup := seen[poiID]; dup {
			return
		}
		tile := sel.Closest("li")
		name := strings.TrimSpace(tile.Find(".title").First().Text())
		if name == "" {
			name = strings.TrimSpace(sel.Text())
		}
		if name == "" {
			return
		}
		seen[poiID] = struct{}{}
		pois = append(pois, model.POI{
			POIID:   poiID,
			Name:    name,
			Link:    absoluteURL(baseURL, href),
			Score:   strings.TrimSpace(tile.Find(".score").First().Text()),
			Summary: strings.TrimSpace(tile.Find(".summary").First().Text()),
		})
	})

	for _, selector := range nextPageSelectors {
		if href, ok := doc.Find(selector).First().Attr("href"); ok && href != "" {
			return pois, absoluteURL(baseURL, href)
		}
	}
	return pois, ""
}

// ExtractDetail harvests the POI detail page into a partial record for
// merging with the listings-stage entry.
func ExtractDetail(doc *goquery.Document, maxComments int) model.POI {
	poi := model.POI{
		Name:    strings.TrimSpace(doc.Find("h1").First().Text()),
		Summary: strings.TrimSpace(doc.Find(".summary").First().Text()),
	}
	if src, ok := doc.Find(".pic-big img").First().Attr("src"); ok {
		poi.Image = src
	}

	// The base-info block is a label/value list; labels vary slightly
	// between page generations, so match on substrings.
	doc.Find(".mod-detail .item, .base-info .item").Each(func(_ int, item *goquery.Selection) {
		label := strings.TrimSpace(item.Find("dt, .label").First().Text())
		value := strings.TrimSpace(item.Find("dd, .content").First().Text())
		if value == "" {
			return
		}
		switch {
		case strings.Contains(label, "交通"):
			poi.Transport = value
		case strings.Contains(label, "门票"):
			poi.Ticket = value
		case strings.Contains(label, "开放时间"):
			poi.OpeningHours = value
		case strings.Contains(label, "地址"):
			poi.Address = value
		}
	})

	if mapNode := doc.Find("#poi-map").First(); mapNode.Length() > 0 {
		lng, okLng := mapNode.Attr("data-lng")
		lat, okLat := mapNode.Attr("data-lat")
		if okLng && okLat && lng != "" && lat != "" {
			poi.Location = lng + "," + lat
		}
	}

	doc.Find(".rev-list .rev-txt").EachWithBreak(func(i int, rev *goquery.Selection) bool {
		if i >= maxComments {
			return false
		}
		if text := strings.TrimSpace(rev.Text()); text != "" {
			poi.Comments = append(poi.Comments, text)
		}
		return true
	})
	return poi
}

func absoluteURL(baseURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(href, "/")
}
