package aicp

// reqList is an ordered list of in-flight requests.
type reqList []*request

func (l *reqList) PushBack(r *request) {
	*l = append(*l, r)
}

func (l *reqList) Remove(r *request) bool {
	for idx, v := range *l {
		if v == r {
			copy((*l)[idx:], (*l)[idx+1:])
			(*l)[len(*l)-1] = nil
			*l = (*l)[:len(*l)-1]
			return true
		}
	}
	return false
}

func (l *reqList) RemoveHeadN(n int) {
	rest := copy(*l, (*l)[n:])
	for i := rest; i < len(*l); i++ {
		(*l)[i] = nil
	}
	*l = (*l)[:rest]
}
