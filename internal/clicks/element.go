package clicks

import (
	"strings"

	"github.com/vincentbai/browsetrace-replay/internal/models"
)

// IgnoreElement reports whether clicks on el should not be tracked for slow
// clicks. Only links, buttons and submit/button inputs qualify; downloads and
// links opening another browsing context never indicate an in-page failure.
func IgnoreElement(el *models.Element, ignore *Selector) bool {
	if el == nil {
		return true
	}

	switch strings.ToLower(el.Tag) {
	case "button":
	case "input":
		typ, _ := el.Attr("type")
		if typ != "submit" && typ != "button" {
			return true
		}
	case "a":
		if _, ok := el.Attr("download"); ok {
			return true
		}
		if target, ok := el.Attr("target"); ok && target != "_self" {
			return true
		}
	default:
		return true
	}

	return ignore.Match(el)
}

// ClosestInteractive returns the nearest button or link containing el
// (el included), or el itself when there is none.
func ClosestInteractive(el *models.Element) *models.Element {
	for e := el; e != nil; e = e.Parent {
		switch strings.ToLower(e.Tag) {
		case "button", "a":
			return e
		}
	}
	return el
}
