package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/morpheuslord/Startup-SBOM/coordinator/store"
)

// handleExportScan renders a completed scan as a CycloneDX BOM, JSON by
// default or XML with ?format=xml.
func (a *API) handleExportScan(w http.ResponseWriter, r *http.Request, scanID string) {
	detail, err := a.buildScanDetail(r, scanID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if detail == nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}

	format := cdx.BOMFileFormatJSON
	contentType := "application/json"
	switch r.URL.Query().Get("format") {
	case "", "json":
	case "xml":
		format = cdx.BOMFileFormatXML
		contentType = "application/xml"
	default:
		writeError(w, http.StatusBadRequest, "format must be json or xml")
		return
	}

	bom := buildBOM(detail)
	w.Header().Set("Content-Type", contentType)
	if err := cdx.NewBOMEncoder(w, format).Encode(bom); err != nil {
		a.log.Errorf("bom encode failed for scan %s: %v", scanID, err)
	}
}

func buildBOM(detail *scanDetail) *cdx.BOM {
	bom := cdx.NewBOM()
	bom.SerialNumber = "urn:uuid:" + detail.ScanID

	rootName := detail.Hostname
	if rootName == "" {
		rootName = detail.AgentID
	}
	bom.Metadata = &cdx.Metadata{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: &cdx.Component{
			BOMRef: detail.ScanID,
			Type:   cdx.ComponentTypeApplication,
			Name:   rootName,
		},
	}

	components := make([]cdx.Component, 0, len(detail.Packages))
	purlByName := make(map[string]string, len(detail.Packages))
	for _, pkg := range detail.Packages {
		purl := packageURL(pkg)
		purlByName[pkg.Name] = purl
		components = append(components, cdx.Component{
			BOMRef:     purl,
			Type:       cdx.ComponentTypeLibrary,
			Name:       pkg.Name,
			Version:    pkg.Version,
			PackageURL: purl,
		})
	}
	bom.Components = &components

	vulns := make([]cdx.Vulnerability, 0, len(detail.Vulnerabilities))
	for _, v := range detail.Vulnerabilities {
		score := v.CVSSScore
		entry := cdx.Vulnerability{
			ID:          v.CVEID,
			Description: v.Description,
			Ratings: &[]cdx.VulnerabilityRating{{
				Score:    &score,
				Severity: cdxSeverity(v.Severity),
			}},
		}
		if ref, ok := purlByName[v.PackageName]; ok {
			entry.Affects = &[]cdx.Affects{{Ref: ref}}
		}
		if v.FixedVersion != "" {
			entry.Recommendation = fmt.Sprintf("upgrade %s to %s", v.PackageName, v.FixedVersion)
		}
		vulns = append(vulns, entry)
	}
	bom.Vulnerabilities = &vulns

	return bom
}

// packageURL builds a purl from the package manager that discovered the
// package. Managers without a registered purl type fall back to generic.
func packageURL(pkg *store.Package) string {
	var purlType string
	switch strings.ToLower(pkg.PackageManager) {
	case "apt", "dpkg", "deb":
		purlType = "deb"
	case "rpm", "yum", "dnf":
		purlType = "rpm"
	case "apk":
		purlType = "apk"
	case "pip", "pip3":
		purlType = "pypi"
	case "npm":
		purlType = "npm"
	case "gem":
		purlType = "gem"
	default:
		purlType = "generic"
	}
	purl := fmt.Sprintf("pkg:%s/%s", purlType, pkg.Name)
	if pkg.Version != "" {
		purl += "@" + pkg.Version
	}
	if pkg.Architecture != "" {
		purl += "?arch=" + pkg.Architecture
	}
	return purl
}

func cdxSeverity(severity string) cdx.Severity {
	switch severity {
	case "CRITICAL":
		return cdx.SeverityCritical
	case "HIGH":
		return cdx.SeverityHigh
	case "MEDIUM":
		return cdx.SeverityMedium
	case "LOW":
		return cdx.SeverityLow
	default:
		return cdx.SeverityUnknown
	}
}
