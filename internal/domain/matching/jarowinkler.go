package matching

// jaroWinkler returns the Jaro-Winkler similarity of two strings in [0, 1],
// comparing runes.
func jaroWinkler(a, b string) float64 {
	s1 := []rune(a)
	s2 := []rune(b)
	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	maxDist := len(s1)
	if len(s2) > maxDist {
		maxDist = len(s2)
	}
	maxDist = maxDist/2 - 1
	if maxDist < 0 {
		maxDist = 0
	}

	m1 := make([]bool, len(s1))
	m2 := make([]bool, len(s2))
	matches := 0
	for i := range s1 {
		start := i - maxDist
		if start < 0 {
			start = 0
		}
		end := i + maxDist + 1
		if end > len(s2) {
			end = len(s2)
		}
		for j := start; j < end; j++ {
			if m2[j] || s1[i] != s2[j] {
				continue
			}
			m1[i] = true
			m2[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0.0
	}

	half := 0
	k := 0
	for i := range s1 {
		if !m1[i] {
			continue
		}
		for !m2[k] {
			k++
		}
		if s1[i] != s2[k] {
			half++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len(s1)) + m/float64(len(s2)) + (m-float64(half)/2)/m) / 3.0

	prefix := 0
	for i := 0; i < 4 && i < len(s1) && i < len(s2); i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1.0-jaro)
}
