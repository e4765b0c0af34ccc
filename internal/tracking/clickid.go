// Package tracking содержит генерацию идентификаторов кликов и сборку
// редирект-ссылок на рекламодателя.
package tracking

import (
	"fmt"
	"time"
)

// NewClickID составляет идентификатор клика из идентификаторов пользователя
// и оффера, времени суток и даты. Строка состоит только из цифр и дефисов и
// не требует URL-кодирования.
//
// Известная слабость: гранулярность времени — секунда, поэтому два клика
// одной пары (пользователь, оффер) в одну секунду дают одинаковый
// идентификатор. Формат сохранён намеренно, на него завязано сопоставление
// постбэков во внешних сетях.
func NewClickID(userID, offerID int64, ts time.Time) string {
	return fmt.Sprintf("%d-%d-%s-%s", userID, offerID, ts.Format("150405"), ts.Format("20060102"))
}
