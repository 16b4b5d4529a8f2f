package ingest

// DistributeChannels раскладывает каналы по сессиям round-robin.
// Порядок входа детерминирует раскладку: при одинаковых списках каждый
// запуск получает те же назначения. Сессии, которым каналов не досталось,
// в раскладку не попадают и шардом не запускаются.
func DistributeChannels(sessions []string, channelIDs []int64) map[string][]int64 {
	assigned := make(map[string][]int64, len(sessions))
	if len(sessions) == 0 {
		return assigned
	}
	for i, channelID := range channelIDs {
		name := sessions[i%len(sessions)]
		assigned[name] = append(assigned[name], channelID)
	}
	return assigned
}
