package tracking

import (
	"strings"

	"github.com/mkurbatov/cpa-platform/internal/model"
)

// DefaultClickIDParam — имя параметра клика по умолчанию, когда у оффера не
// настроена сеть или у сети не задано имя параметра.
const DefaultClickIDParam = "subid"

// ResolveClickIDParam возвращает имя исходящего параметра клика для сети.
// При отсутствии сети или имени параметра возвращает DefaultClickIDParam:
// доступность редиректа важнее строгости настройки.
func ResolveClickIDParam(network *model.Network) string {
	if network == nil || strings.TrimSpace(network.ClickIDParam) == "" {
		return DefaultClickIDParam
	}
	return network.ClickIDParam
}

// BuildRedirectURL добавляет идентификатор клика к URL рекламодателя под
// указанным именем параметра. Разделитель выбирается по наличию '?' в
// базовом URL.
func BuildRedirectURL(baseURL, param, clickID string) string {
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + param + "=" + clickID
}
